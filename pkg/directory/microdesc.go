package directory

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Microdescriptor is the compact per-relay record referenced by a
// microdesc-flavored consensus's "m" lines: just enough to extend a
// circuit through the relay without the full router descriptor.
type Microdescriptor struct {
	Digest       string
	NtorOnionKey []byte
	Family       []string
}

// FetchMicrodescriptors fetches the microdescriptors named by digests,
// batching requests at maxDigestsPerBatch per SPEC_FULL.md §4.7/§6, and
// publishes EventNewDescriptors for whatever it successfully parses. A
// batch that fails against one authority is not retried against another
// in this pass; the caller is expected to re-request missing digests on
// the next consensus refresh.
func (c *Client) FetchMicrodescriptors(ctx context.Context, digests []string) ([]*Microdescriptor, error) {
	var all []*Microdescriptor

	for _, batch := range BatchDigests(digests) {
		mds, err := c.fetchMicrodescBatch(ctx, batch)
		if err != nil {
			c.logger.Warn("failed to fetch microdescriptor batch", "size", len(batch), "error", err)
			continue
		}
		all = append(all, mds...)
	}

	if len(all) > 0 {
		c.events.Publish(Event{Kind: EventNewDescriptors})
	}
	return all, nil
}

func (c *Client) fetchMicrodescBatch(ctx context.Context, batch []string) ([]*Microdescriptor, error) {
	if len(c.authorities) == 0 {
		return nil, fmt.Errorf("no directory authorities configured")
	}

	path := microdescPath(batch)
	base := strings.TrimSuffix(authorityBase(c.authorities[0]), "/")

	req, err := http.NewRequestWithContext(ctx, "GET", base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create microdescriptor request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch microdescriptors: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read microdescriptor body: %w", err)
	}

	if c.cache != nil {
		if err := c.cache.Store("microdescriptors", raw, time.Now().Add(MicrodescExpiry)); err != nil {
			c.logger.Warn("failed to cache microdescriptor batch", "error", err)
		}
	}

	return parseMicrodescriptors(bytes.NewReader(raw))
}

// authorityBase strips a directory authority's consensus-fetch suffix, if
// the configured authority URL is pre-targeted at a specific endpoint, so
// microdescriptor/authcert requests can be issued against the same host.
func authorityBase(authorityURL string) string {
	for _, suffix := range []string{
		"/tor/status-vote/current/consensus.z",
		"/tor/status-vote/current/consensus-microdesc",
		"/tor/status-vote/current/consensus-microdesc.z",
	} {
		if strings.HasSuffix(authorityURL, suffix) {
			return strings.TrimSuffix(authorityURL, suffix)
		}
	}
	return authorityURL
}

// parseMicrodescriptors parses a batch response body: one or more
// "onion-key"-delimited records, each contributing an ntor-onion-key line
// and zero or more "family" lines.
func parseMicrodescriptors(r io.Reader) ([]*Microdescriptor, error) {
	var result []*Microdescriptor
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var current *Microdescriptor
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "onion-key"):
			if current != nil {
				result = append(result, current)
			}
			current = &Microdescriptor{}
		case strings.HasPrefix(line, "ntor-onion-key ") && current != nil:
			current.NtorOnionKey = []byte(strings.TrimPrefix(line, "ntor-onion-key "))
		case strings.HasPrefix(line, "family ") && current != nil:
			current.Family = strings.Fields(strings.TrimPrefix(line, "family "))
		}
	}
	if current != nil {
		result = append(result, current)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading microdescriptor batch: %w", err)
	}
	return result, nil
}

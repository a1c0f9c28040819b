package directory

import "fmt"

// CacheUsage controls whether a document request may touch the network.
type CacheUsage int

const (
	// CacheOkay prefers a fresh cached copy but falls back to the network.
	CacheOkay CacheUsage = iota
	// CacheOnly never initiates network I/O; a cache miss is an error.
	CacheOnly
	// MustDownload bypasses the cache entirely.
	MustDownload
)

func (u CacheUsage) String() string {
	switch u {
	case CacheOkay:
		return "cache-okay"
	case CacheOnly:
		return "cache-only"
	case MustDownload:
		return "must-download"
	default:
		return "unknown"
	}
}

// DocKind tags the variant held by a DocID, mirroring the typed document
// identities of SPEC_FULL.md's directory manager (LatestConsensus, AuthCert,
// Microdesc, RouterDesc) rather than a single string-keyed request.
type DocKind int

const (
	DocKindLatestConsensus DocKind = iota
	DocKindAuthCert
	DocKindMicrodesc
	DocKindRouterDesc
)

func (k DocKind) String() string {
	switch k {
	case DocKindLatestConsensus:
		return "latest-consensus"
	case DocKindAuthCert:
		return "auth-cert"
	case DocKindMicrodesc:
		return "microdesc"
	case DocKindRouterDesc:
		return "router-desc"
	default:
		return "unknown"
	}
}

// DocID names one desired directory document. Exactly one of the
// kind-specific fields is meaningful, selected by Kind.
type DocID struct {
	Kind DocKind

	// DocKindLatestConsensus
	Flavor     string
	CacheUsage CacheUsage

	// DocKindAuthCert
	IDKeyDigest string
	SKDigest    string

	// DocKindMicrodesc / DocKindRouterDesc
	Digest string
}

// LatestConsensusID builds the DocID for the current consensus of the given
// flavor (e.g. "microdesc"), honoring the requested cache usage policy.
func LatestConsensusID(flavor string, usage CacheUsage) DocID {
	return DocID{Kind: DocKindLatestConsensus, Flavor: flavor, CacheUsage: usage}
}

// AuthCertID builds the DocID for one authority certificate, keyed by the
// identity-key digest and the signing-key digest it was issued under.
func AuthCertID(idKeyDigest, skDigest string) DocID {
	return DocID{Kind: DocKindAuthCert, IDKeyDigest: idKeyDigest, SKDigest: skDigest}
}

// MicrodescID builds the DocID for one microdescriptor, keyed by its
// sha256 digest as declared in the consensus's "m" line.
func MicrodescID(sha256Digest string) DocID {
	return DocID{Kind: DocKindMicrodesc, Digest: sha256Digest}
}

// RouterDescID builds the DocID for one full router descriptor, keyed by
// its sha1 digest.
func RouterDescID(sha1Digest string) DocID {
	return DocID{Kind: DocKindRouterDesc, Digest: sha1Digest}
}

// maxDigestsPerBatch bounds how many digests a single directory request
// packs into one query, per SPEC_FULL.md §4.7/§6 ("bounded batch size, e.g.
// 500 digests per request").
const maxDigestsPerBatch = 500

// GroupDocIDs partitions a mixed slice of DocIDs by kind, the way the
// directory pipeline groups pending requests before turning each group into
// one or more HTTP-get-sized chunks.
func GroupDocIDs(ids []DocID) map[DocKind][]DocID {
	groups := make(map[DocKind][]DocID)
	for _, id := range ids {
		groups[id.Kind] = append(groups[id.Kind], id)
	}
	return groups
}

// BatchDigests splits a list of digests (already grouped by DocKind) into
// chunks of at most maxDigestsPerBatch, matching the "/tor/micro/d/<batch>"
// and "/tor/keys/fp-sk/<pairs>" request shapes from SPEC_FULL.md §6.
func BatchDigests(digests []string) [][]string {
	if len(digests) == 0 {
		return nil
	}
	var batches [][]string
	for start := 0; start < len(digests); start += maxDigestsPerBatch {
		end := start + maxDigestsPerBatch
		if end > len(digests) {
			end = len(digests)
		}
		batches = append(batches, digests[start:end])
	}
	return batches
}

// MicrodescDigests extracts the Digest field from a slice of microdescriptor
// DocIDs, for handing to BatchDigests.
func MicrodescDigests(ids []DocID) []string {
	digests := make([]string, 0, len(ids))
	for _, id := range ids {
		if id.Kind == DocKindMicrodesc {
			digests = append(digests, id.Digest)
		}
	}
	return digests
}

// microdescPath builds the "/tor/micro/d/<batch>" request path for one
// batch of (<=500) microdescriptor digests, "-"-joined the way the real
// protocol concatenates base64 digests; here the digests are treated as
// opaque path segments.
func microdescPath(batch []string) string {
	path := "/tor/micro/d/"
	for i, d := range batch {
		if i > 0 {
			path += "-"
		}
		path += d
	}
	return path
}

// authCertPath builds the "/tor/keys/fp-sk/<pairs>" request path for a set
// of authority certificate identities.
func authCertPath(ids []DocID) string {
	path := "/tor/keys/fp-sk/"
	for i, id := range ids {
		if i > 0 {
			path += "+"
		}
		path += fmt.Sprintf("%s-%s", id.IDKeyDigest, id.SKDigest)
	}
	return path
}

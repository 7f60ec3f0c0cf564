package detect

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/kure29/vpsmonitor/fetcher"
	"github.com/kure29/vpsmonitor/store"
)

// FingerprintDetector (D4) computes a content fingerprint and compares
// it against the item's stored hash. An unchanged fingerprint is weak
// negative evidence; a changed one is a flag for the rest of fusion to
// weigh in. extractSkeleton/computeSkeletonFingerprint are reused
// verbatim from domwatch/internal/profiler/fingerprint.go for the
// rendered-body case; the no-rendered-body case falls back to a
// length-bucketed, newline-normalised hash of the raw body (Open
// Question 2).
type FingerprintDetector struct{}

func NewFingerprintDetector() *FingerprintDetector { return &FingerprintDetector{} }

func (d *FingerprintDetector) Name() string    { return "fingerprint" }
func (d *FingerprintDetector) Weight() float64 { return 0.10 }

func (d *FingerprintDetector) Run(ctx context.Context, in Input) (Result, error) {
	if in.Fetch == nil || in.Item == nil {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Evidence: "missing item or fetch"}, nil
	}

	newHash := fingerprintOf(in.Fetch)
	prevHash := in.Item.FingerprintHash
	in.Item.FingerprintHash = newHash

	if prevHash == "" {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Confidence: 0.2, Evidence: "baseline fingerprint recorded"}, nil
	}
	if newHash == prevHash {
		return Result{Detector: d.Name(), Verdict: store.VerdictInconclusive, Confidence: 0.2, Evidence: "fingerprint unchanged"}, nil
	}
	return Result{
		Detector:           d.Name(),
		Verdict:            store.VerdictInconclusive,
		Confidence:         0.2,
		Evidence:           "fingerprint changed",
		FingerprintChanged: true,
	}, nil
}

// fingerprintOf picks a DOM-skeleton hash when a rendered body is
// present, otherwise a length-bucketed hash of the raw body.
func fingerprintOf(fr *fetcher.Result) string {
	if len(fr.RenderedBody) > 0 {
		return computeSkeletonFingerprint(fr.RenderedBody)
	}
	return computeBucketedFingerprint(fr.RawBody)
}

// computeSkeletonFingerprint generates a structural hash of the DOM:
// tags + depth, ignoring text content, so ad rotation and timestamps
// don't register as drift.
func computeSkeletonFingerprint(html []byte) string {
	skeleton := extractSkeleton(html)
	h := sha256.Sum256([]byte(skeleton))
	return fmt.Sprintf("%x", h[:16])
}

// extractSkeleton strips all text content and attributes, leaving only
// the tag structure with nesting depth.
func extractSkeleton(html []byte) string {
	var b strings.Builder
	inTag := false
	inAttr := false
	tagName := strings.Builder{}
	isClosing := false
	depth := 0

	for i := 0; i < len(html); i++ {
		ch := html[i]

		if ch == '<' {
			inTag = true
			inAttr = false
			tagName.Reset()
			isClosing = false
			if i+1 < len(html) && html[i+1] == '/' {
				isClosing = true
				i++
			}
			continue
		}

		if inTag {
			if ch == '>' {
				inTag = false
				name := strings.ToLower(tagName.String())
				if name == "" || name == "!" || name[0] == '?' {
					continue
				}
				if isVoidElement(name) {
					fmt.Fprintf(&b, "%d:%s;", depth, name)
					continue
				}
				if isClosing {
					depth--
					if depth < 0 {
						depth = 0
					}
				} else {
					fmt.Fprintf(&b, "%d:%s;", depth, name)
					depth++
				}
			} else if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
				inAttr = true
			} else if !inAttr {
				tagName.WriteByte(ch)
			}
			continue
		}
	}

	return b.String()
}

func isVoidElement(name string) bool {
	switch name {
	case "area", "base", "br", "col", "embed", "hr", "img", "input",
		"link", "meta", "param", "source", "track", "wbr":
		return true
	}
	return false
}

// computeBucketedFingerprint hashes the raw body after normalising
// CRLF newlines to LF, prefixed with its 256-byte length bucket. A
// difference in line endings alone does not register as drift; any
// other change to the body, including timestamps or rotated ads,
// changes the hash.
func computeBucketedFingerprint(body []byte) string {
	normalised := strings.ReplaceAll(string(body), "\r\n", "\n")
	bucket := len(normalised) / 256
	h := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", bucket, normalised)))
	return fmt.Sprintf("%x", h[:16])
}

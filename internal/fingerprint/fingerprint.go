package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"

	"triagebot/internal/domain"
)

const (
	DefaultBucketWidth = 7 * 24 * time.Hour
	numberPlaceholder  = "num"
	minTokenLength     = 3
	contentHashLength  = 16
	authorHashLength   = 8
)

var (
	nonWordPattern = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	digitRun       = regexp.MustCompile(`\p{N}+`)
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "any": true, "can": true, "had": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "has": true, "have": true,
	"this": true, "that": true, "with": true, "from": true, "they": true, "will": true,
	"would": true, "there": true, "their": true, "what": true, "when": true, "which": true,
	"were": true, "been": true, "into": true, "just": true, "some": true, "than": true,
	"then": true, "them": true, "these": true, "also": true, "its": true, "it's": true,
	"please": true, "hey": true, "thanks": true, "thank": true, "team": true, "anyone": true,
	"does": true, "did": true, "doing": true, "get": true, "got": true, "again": true,
	"very": true, "really": true, "still": true, "why": true, "how": true, "who": true,
}

// Engine derives fingerprints. BucketWidth groups reports into fixed windows
// so common phrases do not collide forever.
type Engine struct {
	BucketWidth time.Duration
}

func New(bucketWidth time.Duration) Engine {
	if bucketWidth <= 0 {
		bucketWidth = DefaultBucketWidth
	}
	return Engine{BucketWidth: bucketWidth}
}

func (e Engine) Fingerprint(r domain.Report) domain.Fingerprint {
	return domain.Fingerprint{
		ContentHash: ContentHash(r.Text),
		AuthorHash:  AuthorHash(r.AuthorID),
		TimeBucket:  e.Bucket(r.ReportedAt),
	}
}

func (e Engine) Bucket(t time.Time) int64 {
	width := int64(e.BucketWidth / time.Second)
	if width <= 0 {
		width = int64(DefaultBucketWidth / time.Second)
	}
	sec := t.Unix()
	bucket := sec / width
	if sec < 0 && sec%width != 0 {
		bucket--
	}
	return bucket
}

// Tokens returns the normalized, filtered, sorted tokens the content hash is built from.
func Tokens(text string) []string {
	text = strings.ToLower(text)
	text = nonWordPattern.ReplaceAllString(text, " ")
	text = digitRun.ReplaceAllString(text, " "+numberPlaceholder+" ")

	var tokens []string
	for _, tok := range strings.Fields(text) {
		if len([]rune(tok)) < minTokenLength || stopWords[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return tokens
}

func ContentHash(text string) string {
	return hashString(strings.Join(Tokens(text), " "), contentHashLength)
}

func AuthorHash(authorID string) string {
	return hashString(strings.ToLower(strings.TrimSpace(authorID)), authorHashLength)
}

func hashString(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

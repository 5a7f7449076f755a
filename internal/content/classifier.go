package content

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"marketsync/internal/models"

	"github.com/h2non/filetype"
)

type FlagType string

const (
	FlagProfanity       FlagType = "profanity"
	FlagSpam            FlagType = "spam"
	FlagInappropriate   FlagType = "inappropriate"
	FlagPersonalInfo    FlagType = "personal_info"
	FlagSuspiciousLinks FlagType = "suspicious_links"
	FlagMarkup          FlagType = "markup"
	FlagAttachment      FlagType = "attachment"
)

type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Flag struct {
	Type     FlagType `json:"type"`
	Severity Severity `json:"severity"`
	Details  string   `json:"details"`
}

type Verdict struct {
	Approved bool   `json:"approved"`
	Flags    []Flag `json:"flags,omitempty"`
}

// RejectedError carries the flags of a rejected message. It matches
// models.ErrContentRejected with errors.Is.
type RejectedError struct {
	Flags []Flag
}

func (e *RejectedError) Error() string {
	parts := make([]string, len(e.Flags))
	for i, f := range e.Flags {
		parts[i] = string(f.Type)
	}
	return fmt.Sprintf("%s: %s", models.ErrContentRejected, strings.Join(parts, ", "))
}

func (e *RejectedError) Unwrap() error {
	return models.ErrContentRejected
}

var (
	spamPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(free money|make money fast|get rich quick|work from home)\b`),
		regexp.MustCompile(`(?i)\b(viagra|cialis|casino|lottery)\b`),
		regexp.MustCompile(`(?i)\b(congratulations|you have won|claim your prize)\b`),
	}
	obfuscatedProfanity = []*regexp.Regexp{
		regexp.MustCompile(`(?i)f[*\-_]?u[*\-_]?c[*\-_]?k`),
		regexp.MustCompile(`(?i)\bs[*\-_]?h[*\-_]?i[*\-_]?t\b`),
		regexp.MustCompile(`(?i)b[*\-_]?i[*\-_]?t[*\-_]?c[*\-_]?h`),
	}
	suspiciousPattern = regexp.MustCompile(`(?i)\b(replica|stolen|drugs|weapon|bitcoin|forex)\b`)
	adultPattern      = regexp.MustCompile(`(?i)\b(porn|nude|xxx|escort|hookup)\b`)
	violencePattern   = regexp.MustCompile(`(?i)\b(kill|murder)\b`)

	cardPattern  = regexp.MustCompile(`\b\d{4}[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{4}\b`)
	phonePattern = regexp.MustCompile(`(\+?\d{1,4}[\s\-]?)?\(?\d{3}\)?[\s\-]?\d{3}[\s\-]?\d{4}`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	urlPattern   = regexp.MustCompile(`https?://[^\s]+`)

	shorteners = []string{"bit.ly", "tinyurl.com", "short.link", "t.co"}

	executables = map[string]bool{"exe": true, "elf": true, "dex": true, "swf": true}
)

// Classifier flags message content before it is written. Contact details
// are allowed; a single phone number or email is normal in a marketplace.
type Classifier struct {
	// Reject is the lowest severity that blocks a message.
	Reject Severity
}

func NewClassifier() *Classifier {
	return &Classifier{Reject: SeverityHigh}
}

// Classify never fails; an empty message with no attachments is approved
// and left to the store's validation.
func (c *Classifier) Classify(text string, attachments []models.Attachment) Verdict {
	var flags []Flag
	add := func(t FlagType, s Severity, details string) {
		flags = append(flags, Flag{Type: t, Severity: s, Details: details})
	}

	for _, p := range obfuscatedProfanity {
		if p.MatchString(text) {
			add(FlagProfanity, SeverityHigh, "contains profanity")
			break
		}
	}

	for _, p := range spamPatterns {
		if p.MatchString(text) {
			add(FlagSpam, SeverityMedium, "contains spam keywords")
			break
		}
	}
	if shouting(text) {
		add(FlagSpam, SeverityLow, "excessive capitalization")
	}
	if n := maxRepeats(text); n > 8 {
		add(FlagSpam, SeverityMedium, fmt.Sprintf("word repeated %d times", n))
	}

	if adultPattern.MatchString(text) {
		add(FlagInappropriate, SeverityHigh, "adult content")
	}
	if violencePattern.MatchString(text) {
		add(FlagInappropriate, SeverityMedium, "violence-related content")
	}
	if suspiciousPattern.MatchString(text) {
		add(FlagInappropriate, SeverityMedium, "suspicious keywords")
	}

	if cardPattern.MatchString(text) {
		add(FlagPersonalInfo, SeverityCritical, "credit card number")
	}
	if n := len(phonePattern.FindAllString(text, -1)); n > 2 {
		add(FlagPersonalInfo, SeverityMedium, fmt.Sprintf("%d phone numbers", n))
	}
	if n := len(emailPattern.FindAllString(text, -1)); n > 2 {
		add(FlagPersonalInfo, SeverityMedium, fmt.Sprintf("%d email addresses", n))
	}

	if links := shortenedLinks(text); len(links) > 0 {
		add(FlagSuspiciousLinks, SeverityHigh, "shortened links: "+strings.Join(links, ", "))
	}

	if hasUnsafeMarkup(text) {
		add(FlagMarkup, SeverityHigh, "unsafe markup")
	}

	for _, a := range attachments {
		if f, ok := checkAttachment(a); ok {
			flags = append(flags, f)
		}
	}

	return Verdict{Approved: c.approves(flags), Flags: flags}
}

// Check returns a *RejectedError when the content is not approved.
func (c *Classifier) Check(text string, attachments []models.Attachment) error {
	v := c.Classify(text, attachments)
	if v.Approved {
		return nil
	}
	return &RejectedError{Flags: v.Flags}
}

func (c *Classifier) approves(flags []Flag) bool {
	limit := c.Reject
	if limit == 0 {
		limit = SeverityHigh
	}
	for _, f := range flags {
		if f.Severity >= limit {
			return false
		}
	}
	return true
}

func checkAttachment(a models.Attachment) (Flag, bool) {
	if len(a.Head) == 0 {
		return Flag{}, false
	}
	kind, err := filetype.Match(a.Head)
	if err != nil {
		return Flag{Type: FlagAttachment, Severity: SeverityMedium, Details: a.Name + ": unreadable"}, true
	}
	if executables[kind.Extension] {
		return Flag{Type: FlagAttachment, Severity: SeverityCritical, Details: a.Name + ": executable"}, true
	}
	if a.Type == models.AttachmentTypeImage && !filetype.IsImage(a.Head) {
		return Flag{Type: FlagAttachment, Severity: SeverityHigh, Details: a.Name + ": not an image"}, true
	}
	if kind != filetype.Unknown && a.MimeType != "" && a.MimeType != kind.MIME.Value {
		return Flag{
			Type:     FlagAttachment,
			Severity: SeverityLow,
			Details:  fmt.Sprintf("%s: declared %s, detected %s", a.Name, a.MimeType, kind.MIME.Value),
		}, true
	}
	return Flag{}, false
}

func shouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters > 20 && float64(upper)/float64(letters) > 0.7
}

func maxRepeats(text string) int {
	counts := make(map[string]int)
	best := 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if len(w) <= 3 {
			continue
		}
		counts[w]++
		best = max(best, counts[w])
	}
	return best
}

func shortenedLinks(text string) []string {
	var out []string
	for _, raw := range urlPattern.FindAllString(text, -1) {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		host := strings.ToLower(u.Hostname())
		for _, s := range shorteners {
			if host == s || strings.HasSuffix(host, "."+s) {
				out = append(out, raw)
				break
			}
		}
	}
	return out
}

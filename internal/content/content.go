package content

import (
	"bytes"
	"errors"
	"html"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	policy      = bluemonday.UGCPolicy()
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)
)

// Sanitize drops unsafe markup from user text shown outside a message body,
// such as display names and listing titles.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts message markdown to HTML and sanitizes the result.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return policy.Sanitize(buf.String()), nil
}

// hasUnsafeMarkup reports whether sanitizing would drop part of the input.
func hasUnsafeMarkup(input string) bool {
	return html.UnescapeString(policy.Sanitize(input)) != input
}

// ValidateUserID checks if the user id contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.New("user id cannot be empty")
	}
	if !userIDRegex.MatchString(userID) {
		return errors.New("user id contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

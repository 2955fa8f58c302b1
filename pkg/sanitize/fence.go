package sanitize

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fence labels. Each marks one class of untrusted content handed to a model.
const (
	LabelUntrustedCtx    = "UNTRUSTED_CTX"
	LabelTaskOutput      = "TASK_OUTPUT"
	LabelExternalContext = "EXTERNAL_CONTEXT"
)

// Fence wraps untrusted content in delimiters carrying a fresh random token,
// so the content cannot have predicted them. Any marker-like sequence inside
// the content is rewritten to guillemets first, which prevents forging a
// closing delimiter.
func Fence(label, content string) string {
	token := make([]byte, 16)
	// rand.Read never fails on supported platforms.
	_, _ = rand.Read(token)
	return fenceWith(label, hex.EncodeToString(token), content)
}

func fenceWith(label, token, content string) string {
	content = strings.ReplaceAll(content, "<<<", "«««")
	content = strings.ReplaceAll(content, ">>>", "»»»")
	return fmt.Sprintf("<<<%s_%s>>>\n%s\n<<<END_%s_%s>>>", label, token, content, label, token)
}

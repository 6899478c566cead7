package pty

import (
	"fmt"
	"strings"

	apperrors "github.com/orkiva/orkiva/internal/common/errors"
)

// MaxPayloadBytes caps the sanitized prompt size in UTF-8 bytes.
const MaxPayloadBytes = 8192

// Envelope markers bracketing every trigger delivered to a terminal pane.
const (
	envelopeHeaderFormat = "[BRIDGE_TRIGGER id=%s thread=%s reason=%s]"
	envelopeFooter       = "[/BRIDGE_TRIGGER]"
)

// PrepareTriggerPayload sanitizes a prompt and frames it as envelope lines.
// The prompt is normalized to \n line endings, stripped of C0 controls other
// than \n and \t, trimmed of trailing whitespace per line and trailing empty
// lines, then size-checked before framing.
func PrepareTriggerPayload(triggerID, threadID, reason, prompt string, maxBytes int) ([]string, error) {
	if maxBytes <= 0 {
		maxBytes = MaxPayloadBytes
	}

	sanitized := sanitizePrompt(prompt)
	if sanitized == "" {
		return nil, apperrors.New(apperrors.CodeTriggerPayloadEmpty,
			"prompt is empty after sanitization")
	}
	if len(sanitized) > maxBytes {
		return nil, apperrors.Newf(apperrors.CodeTriggerPayloadTooLarge,
			"sanitized prompt is %d bytes, limit is %d", len(sanitized), maxBytes)
	}

	lines := []string{fmt.Sprintf(envelopeHeaderFormat, triggerID, threadID, reason)}
	lines = append(lines, strings.Split(sanitized, "\n")...)
	lines = append(lines, envelopeFooter)
	return lines, nil
}

func sanitizePrompt(prompt string) string {
	normalized := strings.ReplaceAll(prompt, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}

	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	out := strings.Join(lines, "\n")
	if strings.TrimSpace(out) == "" {
		return ""
	}
	return out
}

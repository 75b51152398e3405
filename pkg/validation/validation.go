package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// EventNameRegex validates signaling event names
	EventNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*$`)

	// CandidateRegex is a loose shape check for ICE candidate attributes
	CandidateRegex = regexp.MustCompile(`^(a=)?candidate:`)
)

// ValidateSDP checks the basic shape of a session description before it is
// applied to a peer connection. Malformed payloads are dropped, not fatal.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(sdp) > 64*1024 {
		return fmt.Errorf("sdp is too long (max 64KiB)")
	}
	if len(sdp) < 2 || sdp[:2] != "v=" {
		return fmt.Errorf("invalid sdp: must start with 'v='")
	}
	for _, field := range []string{"v=", "o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid sdp: missing required field %q", field)
		}
	}
	return nil
}

// ValidateSDPType checks the offer/answer discriminator.
func ValidateSDPType(typ string) error {
	switch typ {
	case "offer", "answer":
		return nil
	default:
		return fmt.Errorf("invalid sdp type %q (want offer or answer)", typ)
	}
}

// ValidateCandidate checks an ICE candidate attribute. End-of-candidates
// markers (empty strings) are accepted; they are meaningful to the transport.
func ValidateCandidate(candidate string, sdpMLineIndex int) error {
	if candidate == "" {
		return nil
	}
	if len(candidate) > 1024 {
		return fmt.Errorf("candidate is too long (max 1024 characters)")
	}
	if !CandidateRegex.MatchString(candidate) {
		return fmt.Errorf("invalid candidate format")
	}
	if sdpMLineIndex < 0 || sdpMLineIndex > 255 {
		return fmt.Errorf("sdpMLineIndex out of range: %d", sdpMLineIndex)
	}
	return nil
}

// ValidateEventName validates an outbound signaling event name.
func ValidateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("event name is required")
	}
	if len(name) > 32 {
		return fmt.Errorf("event name is too long (max 32 characters)")
	}
	if !EventNameRegex.MatchString(name) {
		return fmt.Errorf("event name contains invalid characters")
	}
	return nil
}

// ValidatePartnerLabel validates the display-only partner label carried by a
// match event. Labels are untrusted server input shown to the user.
func ValidatePartnerLabel(label string) error {
	if label == "" {
		return nil // optional
	}
	if !utf8.ValidString(label) {
		return fmt.Errorf("partner label is not valid UTF-8")
	}
	if utf8.RuneCountInString(label) > 64 {
		return fmt.Errorf("partner label is too long (max 64 characters)")
	}
	if strings.ContainsAny(label, "\x00\n\r") {
		return fmt.Errorf("partner label contains control characters")
	}
	return nil
}

// ValidateChatText validates outbound chat input before it crosses the data
// channel. Matches the rendezvous server's 16KiB socket buffer limit.
func ValidateChatText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("chat text is required")
	}
	if len(text) > 16*1024 {
		return fmt.Errorf("chat text is too long (max 16KiB)")
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat text is not valid UTF-8")
	}
	return nil
}

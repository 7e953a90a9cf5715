// Package hl7 reads the few HL7 v2 header fields routing needs and builds
// acknowledgments. Full segment and field decoding is left to plugins.
package hl7

import (
	"fmt"
	"strings"
	"time"

	apperrors "meridian/pkg/errors"
)

const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

type Header struct {
	FieldSeparator     byte
	EncodingCharacters string
	SendingApp         string
	SendingFacility    string
	ReceivingApp       string
	ReceivingFacility  string
	MessageType        string
	TriggerEvent       string
	ControlID          string
	ProcessingID       string
	Version            string
}

// Type returns MSH-9 as "TYPE^EVENT", or just TYPE when no event is present.
func (h Header) Type() string {
	if h.TriggerEvent == "" {
		return h.MessageType
	}
	return h.MessageType + "^" + h.TriggerEvent
}

func (h Header) componentSeparator() string {
	if len(h.EncodingCharacters) > 0 {
		return h.EncodingCharacters[:1]
	}
	return "^"
}

// Segments splits content on carriage returns or newlines, dropping blanks.
func Segments(content string) []string {
	fields := strings.FieldsFunc(content, func(r rune) bool { return r == '\r' || r == '\n' })
	out := fields[:0]
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			out = append(out, f)
		}
	}
	return out
}

func ParseHeader(content string) (Header, error) {
	segments := Segments(content)
	if len(segments) == 0 || !strings.HasPrefix(segments[0], "MSH") || len(segments[0]) < 8 {
		return Header{}, apperrors.ErrValidation.WithMessage("content does not start with an MSH segment")
	}

	msh := segments[0]
	sep := msh[3]
	fields := strings.Split(msh, string(sep))
	// fields[0] is "MSH"; MSH-1 is the separator itself, so MSH-n is fields[n-1].
	get := func(n int) string {
		if n-1 < len(fields) {
			return fields[n-1]
		}
		return ""
	}

	h := Header{
		FieldSeparator:     sep,
		EncodingCharacters: get(2),
		SendingApp:         get(3),
		SendingFacility:    get(4),
		ReceivingApp:       get(5),
		ReceivingFacility:  get(6),
		ControlID:          get(10),
		ProcessingID:       get(11),
		Version:            get(12),
	}

	parts := strings.Split(get(9), h.componentSeparator())
	h.MessageType = parts[0]
	if len(parts) > 1 {
		h.TriggerEvent = parts[1]
	}
	if h.MessageType == "" {
		return Header{}, apperrors.ErrValidation.WithMessage("MSH-9 message type is empty")
	}
	return h, nil
}

// MatchType reports whether the header's MSH-9 matches pattern, where
// pattern is "TYPE", "TYPE^EVENT" or "TYPE^*".
func (h Header) MatchType(pattern string) bool {
	typ, event, hasEvent := strings.Cut(strings.TrimSpace(pattern), "^")
	if typ != "*" && !strings.EqualFold(typ, h.MessageType) {
		return false
	}
	if !hasEvent || event == "*" {
		return true
	}
	return strings.EqualFold(event, h.TriggerEvent)
}

// BuildAck returns an MSA acknowledgment for the message described by h,
// with sender and receiver swapped.
func BuildAck(h Header, code, text, controlID string, at time.Time) string {
	sep := string(h.FieldSeparator)
	if sep == "\x00" || sep == "" {
		sep = "|"
	}
	enc := h.EncodingCharacters
	if enc == "" {
		enc = `^~\&`
	}
	version := h.Version
	if version == "" {
		version = "2.5"
	}
	comp := h.componentSeparator()

	msh := strings.Join([]string{
		"MSH", enc,
		h.ReceivingApp, h.ReceivingFacility,
		h.SendingApp, h.SendingFacility,
		at.UTC().Format("20060102150405"), "",
		"ACK" + comp + h.TriggerEvent + comp + "ACK",
		controlID, h.ProcessingID, version,
	}, sep)

	msa := strings.Join([]string{"MSA", code, h.ControlID}, sep)
	if text != "" {
		msa += sep + text
	}
	return fmt.Sprintf("%s\r%s\r", msh, msa)
}

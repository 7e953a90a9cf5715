// Package message stores immutable message content.
package message

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	apperrors "meridian/pkg/errors"
)

type ContentType string

const (
	ContentTypeHL7          ContentType = "HL7"
	ContentTypeHL7Ack       ContentType = "HL7_ACK"
	ContentTypeXML          ContentType = "XML"
	ContentTypePDF          ContentType = "PDF"
	ContentTypeTXT          ContentType = "TXT"
	ContentTypeJSON         ContentType = "JSON"
	ContentTypeSQLResultSet ContentType = "SQL_RESULTSET"
	ContentTypeGeneric      ContentType = "GENERIC"
)

var contentTypes = []ContentType{
	ContentTypeHL7, ContentTypeHL7Ack, ContentTypeXML, ContentTypePDF,
	ContentTypeTXT, ContentTypeJSON, ContentTypeSQLResultSet, ContentTypeGeneric,
}

func (c ContentType) Valid() bool {
	for _, ct := range contentTypes {
		if c == ct {
			return true
		}
	}
	return false
}

func ParseContentType(s string) (ContentType, error) {
	ct := ContentType(strings.ToUpper(strings.TrimSpace(s)))
	if !ct.Valid() {
		return "", apperrors.ErrValidation.WithMessage(fmt.Sprintf("unknown content type %q", s))
	}
	return ct, nil
}

type Message struct {
	ID          string      `json:"id" bson:"_id"`
	Content     string      `json:"content" bson:"content"`
	ContentType ContentType `json:"content_type" bson:"content_type"`
	ContentHash string      `json:"content_hash" bson:"content_hash"`
	CreatedAt   time.Time   `json:"created_at" bson:"created_at"`
}

// Store persists message content. Records are never updated; Delete exists
// only to undo a write whose unit of work rolled back.
type Store interface {
	Save(ctx context.Context, content string, contentType ContentType) (*Message, error)
	Get(ctx context.Context, id string) (*Message, error)
	Delete(ctx context.Context, id string) error
}

// Hash returns the hex SHA-256 of content; equal hashes mean equal content.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func notFound(id string) error {
	return apperrors.ErrMessageNotFound.WithDetail("message_id", id)
}

// Package memkeys implements the deterministic key & index layout (C1) that
// maps memory-service logical identity to backing-store keys, so that
// collisions are impossible and prefix scans stay efficient.
package memkeys

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// isSafe reports whether b never needs escaping: [A-Za-z0-9._-].
func isSafe(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '-':
		return true
	default:
		return false
	}
}

// Escape percent-escapes any byte outside [A-Za-z0-9._-], matching the
// key-safety rule of §4.1. It is the inverse of Unescape.
func Escape(s string) string {
	var needsEscape bool
	for i := 0; i < len(s); i++ {
		if !isSafe(s[i]) {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isSafe(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
		}
	}
	return b.String()
}

// Unescape reverses Escape.
func Unescape(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if raw, err := hex.DecodeString(s[i+1 : i+3]); err == nil && len(raw) == 1 {
				b.WriteByte(raw[0])
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// WorkingMemoryKey renders the C3 key: wm:{namespace}:{user_id}:{session_id}.
// Missing segments render as the empty string.
func WorkingMemoryKey(namespace, userID, sessionID string) string {
	return join("wm", Escape(namespace), Escape(userID), Escape(sessionID))
}

// LongTermRecordKey renders the C4 primary key: ltm:{id}.
func LongTermRecordKey(id string) string {
	return join("ltm", Escape(id))
}

// TopicIndexKey renders the secondary index key for a topic label.
func TopicIndexKey(topic string) string {
	return join("topic", Escape(topic))
}

// EntityIndexKey renders the secondary index key for an entity label.
func EntityIndexKey(entity string) string {
	return join("entity", Escape(entity))
}

// UserIndexKey renders the secondary index key for a user id.
func UserIndexKey(userID string) string {
	return join("user", Escape(userID))
}

// NamespaceIndexKey renders the secondary index key for a namespace.
func NamespaceIndexKey(namespace string) string {
	return join("namespace", Escape(namespace))
}

// SessionIndexKey renders the secondary index key for a session id.
func SessionIndexKey(sessionID string) string {
	return join("session", Escape(sessionID))
}

// TypeIndexKey renders the secondary index key for a memory_type value.
func TypeIndexKey(memoryType string) string {
	return join("type", Escape(memoryType))
}

// VectorIndexName is the fixed name of the HNSW vector index over `vector`,
// created lazily by the C2 adapter if absent.
const VectorIndexName = "memory_records"

func join(parts ...string) string {
	return strings.Join(parts, ":")
}

// RecordHash computes the deterministic content+identity hash of §4.4:
//
//	sha256( lowercase_trim(text) ||0x1F|| user_id ||0x1F|| namespace ||0x1F||
//	        session_id ||0x1F|| memory_type ||0x1F|| event_date_iso_or_empty )
//
// Two records with equal hash are candidates for exact dedup.
func RecordHash(text, userID, namespace, sessionID, memoryType string, eventDate *time.Time) string {
	const sep = "\x1F"

	eventDateStr := ""
	if eventDate != nil {
		eventDateStr = eventDate.UTC().Format(time.RFC3339)
	}

	normalizedText := strings.ToLower(strings.TrimSpace(text))

	h := sha256.New()
	h.Write([]byte(normalizedText))
	h.Write([]byte(sep))
	h.Write([]byte(userID))
	h.Write([]byte(sep))
	h.Write([]byte(namespace))
	h.Write([]byte(sep))
	h.Write([]byte(sessionID))
	h.Write([]byte(sep))
	h.Write([]byte(memoryType))
	h.Write([]byte(sep))
	h.Write([]byte(eventDateStr))

	return hex.EncodeToString(h.Sum(nil))
}

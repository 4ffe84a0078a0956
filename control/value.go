// Package control implements the attribute-tree control surface (spec §6
// "Control surface"): a small line-oriented RPC server over a Unix
// socket, through which an operator CLI reads/writes tunables and issues
// command-style operations against the three core subsystems.
package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ValueKind tags the shape a Value's text representation is parsed as
// (spec §6 "raw integer / human size with k/M/G suffix / string enum /
// UUID").
type ValueKind int

const (
	KindInt ValueKind = iota
	KindSize
	KindEnum
	KindUUID
)

// Value is one attribute's typed setting.
type Value struct {
	Kind ValueKind
	Int  int64
	Enum string
	UUID uuid.UUID
}

// String renders v back into the text form ParseValue accepts, the
// attribute tree's canonical read format.
func (v Value) String() string {
	switch v.Kind {
	case KindSize:
		return formatSize(v.Int)
	case KindEnum:
		return v.Enum
	case KindUUID:
		return v.UUID.String()
	default:
		return strconv.FormatInt(v.Int, 10)
	}
}

// ParseValue parses s per an attribute's declared kind.
func ParseValue(kind ValueKind, s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch kind {
	case KindInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("control: not an integer: %q", s)
		}
		return Value{Kind: KindInt, Int: n}, nil
	case KindSize:
		n, err := parseSize(s)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindSize, Int: n}, nil
	case KindEnum:
		return Value{Kind: KindEnum, Enum: s}, nil
	case KindUUID:
		id, err := uuid.Parse(s)
		if err != nil {
			return Value{}, fmt.Errorf("control: not a UUID: %q: %w", s, err)
		}
		return Value{Kind: KindUUID, UUID: id}, nil
	default:
		return Value{}, fmt.Errorf("control: unknown value kind %d", kind)
	}
}

// parseSize parses a human size with an optional k/M/G suffix (binary
// multiples: 1k = 1024) into a byte count.
func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("control: empty size")
	}
	mult := int64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("control: not a size: %q", s)
	}
	return n * mult, nil
}

// formatSize renders n bytes using the largest k/M/G suffix that divides
// it evenly, falling back to a bare integer.
func formatSize(n int64) string {
	switch {
	case n != 0 && n%(1<<30) == 0:
		return strconv.FormatInt(n/(1<<30), 10) + "G"
	case n != 0 && n%(1<<20) == 0:
		return strconv.FormatInt(n/(1<<20), 10) + "M"
	case n != 0 && n%(1<<10) == 0:
		return strconv.FormatInt(n/(1<<10), 10) + "k"
	default:
		return strconv.FormatInt(n, 10)
	}
}

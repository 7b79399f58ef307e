package ot

import (
	"errors"
	"time"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindRetain Kind = "retain"
)

// 一次原子编辑意图。创建后不可变：transform 永远返回新值，不要原地改。
type Operation struct {
	Kind     Kind   `json:"kind"`               // "insert" / "delete" / "retain"
	Position int    `json:"position"`           // 0 起始的字符偏移（按 rune 数，不是字节）
	Content  string `json:"content,omitempty"`  // insert 的文本
	Length   int    `json:"length,omitempty"`   // delete 的长度
	// 操作来源，用于广播时标注作者
	OriginatingUser string    `json:"originatingUser,omitempty"`
	CreatedAt       time.Time `json:"createdAt,omitempty"`
}

var (
	ErrNegativePosition = errors.New("operation position is negative")
	ErrNegativeLength   = errors.New("operation length is negative")
	ErrUnknownKind      = errors.New("unknown operation kind")
)

// Validate 只检查“形状”是否合法，不检查位置是否超出文档长度。
// 越界在 Apply 里统一 clamp（见下），不在这里拒绝。
func (op Operation) Validate() error {
	switch op.Kind {
	case KindInsert, KindDelete, KindRetain:
	default:
		return ErrUnknownKind
	}
	if op.Position < 0 {
		return ErrNegativePosition
	}
	if op.Length < 0 {
		return ErrNegativeLength
	}
	return nil
}

// ContentLen 返回 insert 文本的 rune 长度。
func (op Operation) ContentLen() int {
	return len([]rune(op.Content))
}

// end 返回 delete 区间的右端点（开区间）。
func (op Operation) end() int {
	return op.Position + op.Length
}

// Apply 把操作套用到 rune 缓冲区上，返回新内容。
// clamp 策略：位置超出缓冲区就夹到末尾，delete 长度超出剩余就夹到剩余；
// 宁可吸收客户端视图漂移，也不能把会话打死。
func (op Operation) Apply(content []rune) []rune {
	switch op.Kind {
	case KindInsert:
		pos := clamp(op.Position, 0, len(content))
		text := []rune(op.Content)
		if len(text) == 0 {
			return content
		}
		out := make([]rune, 0, len(content)+len(text))
		out = append(out, content[:pos]...)
		out = append(out, text...)
		out = append(out, content[pos:]...)
		return out

	case KindDelete:
		pos := clamp(op.Position, 0, len(content))
		n := op.Length
		if pos+n > len(content) {
			n = len(content) - pos
		}
		if n <= 0 {
			return content
		}
		out := make([]rune, 0, len(content)-n)
		out = append(out, content[:pos]...)
		out = append(out, content[pos+n:]...)
		return out
	}
	// retain 不改内容
	return content
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/0xb10c/treasury-go/src/types"
)

// Query selects rows of a table.
type Query interface {
	// Where returns a condition with `?` placeholders and its arguments.
	Where() (string, []interface{})
	Order() string
	Limit() int
}

func formatQuery(fields []string, table string, q Query) (string, []interface{}) {
	s := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(fields, ", "), table)
	where, args := q.Where()
	if where != "" {
		s += " WHERE " + where
	}
	if order := q.Order(); order != "" {
		s += " ORDER BY " + order
	}
	if limit := q.Limit(); limit > 0 {
		s += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s, args
}

type clause struct {
	parts []string
	args  []interface{}
}

func (c *clause) add(cond string, args ...interface{}) {
	c.parts = append(c.parts, "("+cond+")")
	c.args = append(c.args, args...)
}

func (c *clause) String() string {
	return strings.Join(c.parts, " AND ")
}

// UTXOQuery filters outputs. Zero values do not filter. Results are in
// insertion order, which is the order coin selection walks them in.
type UTXOQuery struct {
	Address     string
	TxID        string
	SpentBy     string
	OnlyUnspent bool
	Max         int
}

func (q UTXOQuery) Where() (string, []interface{}) {
	var c clause
	if q.Address != "" {
		c.add("address = ?", q.Address)
	}
	if q.TxID != "" {
		c.add("txid = ?", q.TxID)
	}
	if q.SpentBy != "" {
		c.add("spent_by_txid = ?", q.SpentBy)
	}
	if q.OnlyUnspent {
		c.add("spent = FALSE")
	}
	return c.String(), c.args
}

func (q UTXOQuery) Order() string {
	return "created_at ASC, txid ASC, vout ASC"
}

func (q UTXOQuery) Limit() int {
	return q.Max
}

// TransactionQuery filters transaction records, newest first.
type TransactionQuery struct {
	Direction types.Direction
	UserID    string
	Statuses  []types.Status
	Since     *time.Time
	Max       int
}

func (q TransactionQuery) Where() (string, []interface{}) {
	var c clause
	if q.Direction != "" {
		c.add("direction = ?", string(q.Direction))
	}
	if q.UserID != "" {
		c.add("user_id = ?", q.UserID)
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		args := make([]interface{}, len(q.Statuses))
		for i, s := range q.Statuses {
			marks[i] = "?"
			args[i] = string(s)
		}
		c.add("status IN ("+strings.Join(marks, ", ")+")", args...)
	}
	if q.Since != nil {
		c.add("recorded_at > ?", q.Since.Unix())
	}
	return c.String(), c.args
}

func (q TransactionQuery) Order() string {
	return "recorded_at DESC, txid ASC"
}

func (q TransactionQuery) Limit() int {
	return q.Max
}

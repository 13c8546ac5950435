// Package numbering issues invoice numbers.
package numbering

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/felixgeelhaar/settle/internal/billing/application"
)

// Prefix starts every invoice number.
const Prefix = "INV"

// Snowflake numbers invoices as INV-YYYYMMDD-<snowflake id>. Ids are unique
// per node, so each process sharing a database needs its own node number.
type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake creates a numberer for the node (0-1023).
func NewSnowflake(node int64) (*Snowflake, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice numbering node %d: %w", node, err)
	}
	return &Snowflake{node: n}, nil
}

// Next returns a new invoice number dated at issuedAt in UTC.
func (s *Snowflake) Next(issuedAt time.Time) string {
	return fmt.Sprintf("%s-%s-%s", Prefix, issuedAt.UTC().Format("20060102"), s.node.Generate().String())
}

var _ application.InvoiceNumberer = (*Snowflake)(nil)

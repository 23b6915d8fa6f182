/*
version.go - Append-only adjustment history

PURPOSE:
  Records a before/after snapshot for every adjustment to an approved
  request: the initial approval, each change-request resolution, and any
  compensated rejection. Version numbers are monotonic per request and
  never reused.

  In-progress fulfilment drafts are deliberately not versioned; only
  approved and adjusted states carry audit weight.
*/
package engine

import "context"

// recordVersion assigns the next number for v.Seq and appends v.
// Must run inside the same transaction as the adjustment it records.
func recordVersion(ctx context.Context, s Store, v Version) error {
	n, err := s.NextVersionNumber(ctx, v.Seq)
	if err != nil {
		return err
	}
	v.Number = n
	return s.AppendVersion(ctx, v)
}

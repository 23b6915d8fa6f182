/*
catalog.go - Catalog helpers

PURPOSE:
  SKU allocation for items registered without one. Generated SKUs use the
  SKU-XXXXXX format (six uppercase hex characters) and are checked against
  the store before being handed out.

SEE ALSO:
  - types.go: Item and DisasterEvent
*/
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AllocateSKU returns a SKU of the form SKU-XXXXXX that no catalog item
// uses yet. The collision window is tiny but the store is the authority.
func AllocateSKU(ctx context.Context, s Store) (ItemSKU, error) {
	for attempt := 0; attempt < 10; attempt++ {
		raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
		sku := ItemSKU("SKU-" + raw[:6])

		existing, err := s.GetItem(ctx, sku)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return sku, nil
		}
	}
	return "", fmt.Errorf("could not allocate an unused SKU")
}

package postgres

import (
	"context"
	"fmt"

	"github.com/sheetqa/sheetqa/internal/catalog"
)

// PutCredential rotates the user's key in one transaction so that at most
// one credential per user is ever active.
func (r *Repository) PutCredential(ctx context.Context, in catalog.PutCredentialInput) (catalog.Credential, error) {
	if in.UserID == "" {
		return catalog.Credential{}, fmt.Errorf("user id is required")
	}
	if in.APIKey == "" {
		return catalog.Credential{}, fmt.Errorf("api key is required")
	}

	var cred catalog.Credential
	err := r.WithTx(ctx, func(tx *TxRepository) error {
		if _, err := tx.RevokeCredential(ctx, in.UserID); err != nil {
			return err
		}
		inserted, err := tx.InsertCredential(ctx, in)
		if err != nil {
			return err
		}
		cred = inserted
		return nil
	})
	if err != nil {
		return catalog.Credential{}, err
	}
	return cred, nil
}

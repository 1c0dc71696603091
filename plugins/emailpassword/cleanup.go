package emailpassword

import (
	"context"

	"github.com/SOG-web/reauth/internal/engine/cleanup"
	"github.com/SOG-web/reauth/internal/storage"
	"github.com/SOG-web/reauth/plugins/identity"
)

// purgeCodes borra códigos vencidos y consumidos de este plugin.
func purgeCodes(ctx context.Context, orm storage.Orm, _ map[string]any) (cleanup.Result, error) {
	var res cleanup.Result
	for _, purpose := range []string{purposeVerify, purposeReset} {
		n, err := identity.PurgeExpiredCodes(ctx, orm, purpose)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Add(purpose, n)
	}
	return res, nil
}

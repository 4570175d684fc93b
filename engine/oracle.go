package engine

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/GoUpNumber/gun/oracle"
)

// AddOracle performs the trust-on-first-use key fetch. The confirm hook
// shows the fetched keys to the user; a false return aborts without
// storing anything.
func (e *Engine) AddOracle(ctx context.Context, oracleID string, confirm func(prompt string) bool) (*oracle.Info, error) {
	if existing, err := e.db.GetOracle(oracleID); err == nil {
		return existing, userErrf("oracle %s is already trusted", oracleID)
	}
	info, err := e.oracles.FetchInfo(ctx, oracleID)
	if err != nil {
		if oracle.IsTransient(err) {
			return nil, netErrf("fetch oracle %s: %v", oracleID, err)
		}
		return nil, userErrf("fetch oracle %s: %v", oracleID, err)
	}
	prompt := fmt.Sprintf("trust oracle %s?\n  announcement key: %s\n  attestation key:  %s",
		oracleID, hex.EncodeToString(info.AnnouncementKey[:]), hex.EncodeToString(info.AttestationKey[:]))
	if confirm != nil && !confirm(prompt) {
		return nil, userErrf("oracle %s not trusted", oracleID)
	}
	if err := e.db.InsertOracle(info); err != nil {
		return nil, err
	}
	e.log.Infof("trusting oracle %s", oracleID)
	return info, nil
}

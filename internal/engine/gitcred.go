package engine

import "path/filepath"

// CredentialHelperConfig builds the GIT_CONFIG_KEY_n/VALUE_n map that
// overrides the worktree's git credential helper to a bus-scoped store file,
// so credentials never leak into the worker's repo (spec §4.4 "Git
// credential helper override"). Pass the returned map to TurnOptions.CredHelperCfg.
func CredentialHelperConfig(busRoot string) map[string]string {
	storeFile := filepath.Join(busRoot, "state", ".git-credentials")
	return map[string]string{
		"credential.helper": "store --file=" + storeFile,
	}
}

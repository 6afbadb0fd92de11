package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-pipeline/internal/model"
)

type accountsFile struct {
	Accounts []model.ExternalAccount `yaml:"accounts"`
}

// LoadAccounts reads an account pool from a YAML file of the form
//
//	accounts:
//	  - id: acct-1
//	    api_key: ...
func LoadAccounts(path string) ([]model.ExternalAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read accounts file %s", path)
	}

	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "config: parse accounts file %s", path)
	}

	seen := make(map[string]bool, len(f.Accounts))
	for i, a := range f.Accounts {
		if a.ID == "" {
			return nil, eris.Errorf("config: accounts file %s: entry %d has no id", path, i)
		}
		if seen[a.ID] {
			return nil, eris.Errorf("config: accounts file %s: duplicate account %q", path, a.ID)
		}
		seen[a.ID] = true
	}
	return f.Accounts, nil
}

// Package env loads NOVA_* settings from a .env file in the nova base
// directory. Variables already present in the process environment win.
package env

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// FileName is the dotenv file looked up in the base directory.
const FileName = ".env"

func LoadFromDir(dir string) error {
	return Load(filepath.Join(dir, FileName))
}

func Load(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

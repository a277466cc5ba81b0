package library

import (
	"os"
)

// Touch creates the file if it does not exist.
func Touch(path string) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		LogCLI(err.Error(), 0)
	}
	f.Close()
}

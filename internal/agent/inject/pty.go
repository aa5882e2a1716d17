package inject

import (
	"fmt"
	"os"
	"strings"
)

// sendPTY writes the text straight into the terminal device. Crudest
// transport: no prompt clearing, the foreground program sees the
// bytes as if typed.
func (in *Injector) sendPTY(devicePath, text string) error {
	if devicePath == "" {
		return fmt.Errorf("pty transport has no device path")
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return in.writeFile(devicePath, []byte(text))
}

func appendToDevice(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write device: %w", err)
	}
	return nil
}

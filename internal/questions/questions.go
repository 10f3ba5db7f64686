// Package questions loads the interview question bank served by the
// collection service.
package questions

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/interviewd/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultBank []byte

// ErrEmptyBank is returned when a bank holds no usable question.
var ErrEmptyBank = errors.New("question bank is empty")

type bankFile struct {
	Questions []string `yaml:"questions"`
}

// Default returns the built-in question bank.
func Default() domain.QuestionSet {
	qs, err := Parse(defaultBank)
	if err != nil {
		panic(fmt.Sprintf("built-in question bank: %v", err))
	}
	return qs
}

// Parse decodes a YAML bank. Blank entries are dropped.
func Parse(data []byte) (domain.QuestionSet, error) {
	var bank bankFile
	if err := yaml.Unmarshal(data, &bank); err != nil {
		return nil, fmt.Errorf("failed to parse question bank: %w", err)
	}
	kept := make([]string, 0, len(bank.Questions))
	for _, q := range bank.Questions {
		if q = strings.TrimSpace(q); q != "" {
			kept = append(kept, q)
		}
	}
	if len(kept) == 0 {
		return nil, ErrEmptyBank
	}
	return domain.NewQuestionSet(kept), nil
}

// Load reads a bank from fsys.
func Load(fsys fs.FS, name string) (domain.QuestionSet, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read question bank %s: %w", name, err)
	}
	return Parse(data)
}

// LoadFile reads a bank from disk, falling back to the built-in bank when
// the file does not exist.
func LoadFile(path string) (domain.QuestionSet, error) {
	qs, err := Load(os.DirFS(filepath.Dir(path)), filepath.Base(path))
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return qs, err
}

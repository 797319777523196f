package submission

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

const maxMessageLength = 500

type MessagesConfig struct {
	Messages []string `yaml:"messages" json:"messages"`
}

// Catalog is the fixed set of canned replies. It is read-only after
// construction and safe for concurrent use.
type Catalog struct {
	messages []string
}

func DefaultMessages() []string {
	return []string{
		"Welcome to Random Corp! We're excited to have you.",
		"Thank you for joining our community!",
		"Great to meet you! Your journey with Random Corp begins now.",
		"Welcome aboard! We look forward to working with you.",
		"Fantastic! You're now part of the Random Corp family.",
		"Excellent! Your submission has been processed successfully.",
		"Welcome! We're thrilled to have you on our team.",
		"Congratulations! You've successfully registered with Random Corp.",
		"Amazing! Your information has been received and processed.",
		"Perfect! Welcome to the Random Corp experience.",
	}
}

// LoadMessages reads a YAML catalog. An empty path yields the built-in set;
// so does an unreadable file, alongside the read error.
func LoadMessages(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(DefaultMessages())
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		fallback, _ := NewCatalog(DefaultMessages())
		return fallback, err
	}

	var cfg MessagesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parsing messages file %s: %w", path, err)
	}
	return NewCatalog(cfg.Messages)
}

func NewCatalog(messages []string) (*Catalog, error) {
	var kept []string
	for _, m := range messages {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if utf8.RuneCountInString(m) > maxMessageLength {
			return nil, fmt.Errorf("message longer than %d characters: %q", maxMessageLength, m)
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return nil, errors.New("no messages configured")
	}
	return &Catalog{messages: kept}, nil
}

func (c *Catalog) Pick() string {
	return c.messages[rand.IntN(len(c.messages))]
}

func (c *Catalog) Len() int {
	return len(c.messages)
}

func (c *Catalog) Contains(message string) bool {
	for _, m := range c.messages {
		if m == message {
			return true
		}
	}
	return false
}

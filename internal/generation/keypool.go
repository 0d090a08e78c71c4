package generation

import (
	"os"
	"strings"
	"sync"
)

// KeysEnvVar is the environment variable holding the comma-separated API
// key pool. One key is one capacity unit for scheduling purposes.
const KeysEnvVar = "OPENAI_API_KEYS"

// keyPool hands out API keys round-robin so sequential calls spread load
// across every configured credential.
type keyPool struct {
	mu   sync.Mutex
	keys []string
	next int
}

func newKeyPool(keys []string) *keyPool {
	return &keyPool{keys: keys}
}

func (p *keyPool) size() int {
	return len(p.keys)
}

// pick returns the index of the key to use for the next call.
func (p *keyPool) pick() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.next
	p.next = (p.next + 1) % len(p.keys)
	return idx
}

// KeysFromEnv reads the API key pool from the environment, dropping empty
// entries. The result may be empty; the caller decides whether that is
// fatal.
func KeysFromEnv() []string {
	raw := os.Getenv(KeysEnvVar)
	if raw == "" {
		return nil
	}

	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if k := strings.TrimSpace(part); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

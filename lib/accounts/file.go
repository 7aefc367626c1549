package accounts

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ProviderFileExt is the extension of provider descriptor files.
const ProviderFileExt = ".provider"

// providerDocument mirrors the descriptor layout:
//
//	<provider id="NutProvider">
//	  <name>Nut Provider</name>
//	  <plugin>nut</plugin>
//	</provider>
type providerDocument struct {
	XMLName     xml.Name `xml:"provider"`
	ID          string   `xml:"id,attr"`
	Name        string   `xml:"name"`
	Description string   `xml:"description"`
	Plugin      string   `xml:"plugin"`
}

type accountsDocument struct {
	Accounts []*Account `yaml:"accounts"`
}

// FileStore reads provider descriptors from a directory and keeps accounts in
// a YAML file.
type FileStore struct {
	ProvidersDir string
	AccountsFile string

	mu sync.Mutex
}

func NewFileStore(providersDir, accountsFile string) *FileStore {
	return &FileStore{
		ProvidersDir: providersDir,
		AccountsFile: accountsFile,
	}
}

// Provider loads <ProvidersDir>/<name>.provider.
func (f *FileStore) Provider(name string) (*Provider, error) {
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}

	path := filepath.Join(f.ProvidersDir, name+ProviderFileExt)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
		}
		return nil, fmt.Errorf("failed to read provider %s: %w", name, err)
	}

	return parseProvider(name, data)
}

// Providers loads every descriptor in ProvidersDir, ordered by ID.
func (f *FileStore) Providers() ([]*Provider, error) {
	entries, err := os.ReadDir(f.ProvidersDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	var providers []*Provider
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ProviderFileExt {
			continue
		}
		p, err := f.Provider(strings.TrimSuffix(entry.Name(), ProviderFileExt))
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].ID < providers[j].ID })
	return providers, nil
}

func parseProvider(name string, data []byte) (*Provider, error) {
	var doc providerDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse provider %s: %w", name, err)
	}

	// The file name is the provider identifier; the id attribute is optional.
	return &Provider{
		ID:          name,
		DisplayName: strings.TrimSpace(doc.Name),
		Description: strings.TrimSpace(doc.Description),
		Plugin:      strings.TrimSpace(doc.Plugin),
	}, nil
}

func (f *FileStore) Account(id AccountID) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	if id != 0 {
		for _, a := range doc.Accounts {
			if a.ID == id {
				return a, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
}

// Accounts returns all stored accounts.
func (f *FileStore) Accounts() ([]*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	return doc.Accounts, nil
}

func (f *FileStore) NewAccount(providerName string) (*Account, error) {
	if _, err := f.Provider(providerName); err != nil {
		return nil, err
	}
	return &Account{Provider: providerName, Enabled: true}, nil
}

// SaveAccount inserts or replaces account. A zero ID is replaced with the next
// free identifier.
func (f *FileStore) SaveAccount(account *Account) error {
	if account == nil {
		return fmt.Errorf("cannot save nil account")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}

	if account.ID == 0 {
		var last AccountID
		for _, a := range doc.Accounts {
			if a.ID > last {
				last = a.ID
			}
		}
		account.ID = last + 1
	}

	replaced := false
	for i, a := range doc.Accounts {
		if a.ID == account.ID {
			doc.Accounts[i] = account
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Accounts = append(doc.Accounts, account)
	}

	return f.store(doc)
}

func (f *FileStore) load() (*accountsDocument, error) {
	doc := &accountsDocument{}
	data, err := os.ReadFile(f.AccountsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	return doc, nil
}

func (f *FileStore) store(doc *accountsDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}

	dir := filepath.Dir(f.AccountsFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create accounts directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temporary accounts file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write accounts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write accounts: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.AccountsFile); err != nil {
		return fmt.Errorf("failed to replace accounts file: %w", err)
	}
	return nil
}

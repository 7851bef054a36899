package fakeapi

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Login types as stored on accounts.
const (
	loginNormal = "normal"
	loginGoogle = "google"
	loginBoth   = "both"
)

var (
	ErrUserExists            = errors.New("users.exists")
	ErrUserNotFound          = errors.New("users.not_found")
	ErrPasswordNotSet        = errors.New("users.password_not_set")
	ErrIncorrectPassword     = errors.New("users.incorrect_password")
	ErrCurrentPasswordNeeded = errors.New("users.current_password_required")
	ErrUnknownFederatedToken = errors.New("users.federated.unknown_token")
)

// Account is a stored user. PasswordHash is empty for federated-only accounts.
type Account struct {
	Email        string
	Name         string
	FirstName    string
	FamilyName   string
	LoginType    string
	PasswordHash []byte
}

func (account Account) hasPassword() bool {
	return len(account.PasswordHash) > 0
}

type userDirectory struct {
	mutex    sync.Mutex
	accounts map[string]*Account
	cost     int
}

func newUserDirectory() *userDirectory {
	return &userDirectory{accounts: make(map[string]*Account), cost: bcrypt.MinCost}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (directory *userDirectory) Register(name string, email string, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), directory.cost)
	if err != nil {
		return err
	}
	key := normalizeEmail(email)
	firstName, familyName, _ := strings.Cut(strings.TrimSpace(name), " ")

	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	if _, exists := directory.accounts[key]; exists {
		return ErrUserExists
	}
	directory.accounts[key] = &Account{
		Email:        strings.TrimSpace(email),
		Name:         name,
		FirstName:    firstName,
		FamilyName:   familyName,
		LoginType:    loginNormal,
		PasswordHash: hash,
	}
	return nil
}

func (directory *userDirectory) Authenticate(email string, password string) (Account, error) {
	directory.mutex.Lock()
	account, ok := directory.accounts[normalizeEmail(email)]
	var snapshot Account
	if ok {
		snapshot = *account
	}
	directory.mutex.Unlock()
	if !ok {
		return Account{}, ErrUserNotFound
	}
	if !snapshot.hasPassword() {
		return Account{}, ErrPasswordNotSet
	}
	if password == "" || bcrypt.CompareHashAndPassword(snapshot.PasswordHash, []byte(password)) != nil {
		return Account{}, ErrIncorrectPassword
	}
	return snapshot, nil
}

// UpsertFederated returns the account of identity, creating a password-less one when absent.
func (directory *userDirectory) UpsertFederated(identity FederatedIdentity) Account {
	key := normalizeEmail(identity.Email)
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	if account, ok := directory.accounts[key]; ok {
		return *account
	}
	account := &Account{
		Email:      strings.TrimSpace(identity.Email),
		Name:       strings.TrimSpace(identity.GivenName + " " + identity.FamilyName),
		FirstName:  identity.GivenName,
		FamilyName: identity.FamilyName,
		LoginType:  loginGoogle,
	}
	directory.accounts[key] = account
	return *account
}

func (directory *userDirectory) Lookup(email string) (Account, error) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	account, ok := directory.accounts[normalizeEmail(email)]
	if !ok {
		return Account{}, ErrUserNotFound
	}
	return *account, nil
}

// Update changes the name and/or password. Accounts that already have a local
// password must confirm it; a federated account that sets one becomes "both".
func (directory *userDirectory) Update(email string, name string, password string, currentPassword string) error {
	var hash []byte
	if password != "" {
		generated, err := bcrypt.GenerateFromPassword([]byte(password), directory.cost)
		if err != nil {
			return err
		}
		hash = generated
	}

	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	account, ok := directory.accounts[normalizeEmail(email)]
	if !ok {
		return ErrUserNotFound
	}
	if password != "" && account.hasPassword() && account.LoginType != loginGoogle {
		if currentPassword == "" {
			return ErrCurrentPasswordNeeded
		}
		if bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(currentPassword)) != nil {
			return ErrIncorrectPassword
		}
	}
	if name != "" {
		account.Name = name
	}
	if hash != nil {
		account.PasswordHash = hash
		if account.LoginType == loginGoogle {
			account.LoginType = loginBoth
		}
	}
	return nil
}

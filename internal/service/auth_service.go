package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"dpledger/internal/core"
	"dpledger/internal/ledger"
)

// ErrInvalidAPIKey is returned for unknown, revoked or malformed keys.
var ErrInvalidAPIKey = errors.New("invalid api key")

const (
	apiKeyBytes  = 32
	apiKeyPrefix = 8
)

type AuthService struct {
	accounts   core.AccountRepository
	apiKeyRepo core.ApiKeyRepository
	ledger     *ledger.Ledger
	log        *slog.Logger
	cost       int
}

func NewAuthService(accounts core.AccountRepository, apiKeyRepo core.ApiKeyRepository, l *ledger.Ledger, log *slog.Logger) *AuthService {
	if log == nil {
		log = slog.Default()
	}
	return &AuthService{
		accounts:   accounts,
		apiKeyRepo: apiKeyRepo,
		ledger:     l,
		log:        log.With("component", "auth"),
		cost:       bcrypt.DefaultCost,
	}
}

// WithCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *AuthService) WithCost(cost int) *AuthService {
	s.cost = cost
	return s
}

// NewAccount describes an account to provision.
type NewAccount struct {
	DisplayName  string
	Organization string
	Role         core.Role
	// TotalEpsilon <= 0 uses the ledger default.
	TotalEpsilon float64
}

// CreateAccount provisions an account, its privacy budget and a first API
// key. The plaintext key is returned once and never stored.
func (s *AuthService) CreateAccount(ctx context.Context, req NewAccount) (*core.Account, string, error) {
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		return nil, "", core.ErrInvalid("display name is required")
	}
	if req.Role == "" {
		req.Role = core.RoleAnalyst
	}
	if !req.Role.Valid() {
		return nil, "", core.ErrInvalid("unknown role %q", req.Role)
	}

	slug := core.Slugify(name)
	if slug == "" {
		slug = "account"
	}
	account := &core.Account{
		ID:           slug + "-" + uuid.NewString()[:8],
		DisplayName:  name,
		Role:         req.Role,
		Organization: strings.TrimSpace(req.Organization),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, "", err
	}
	if _, err := s.ledger.Provision(ctx, account.ID, req.TotalEpsilon); err != nil {
		return nil, "", err
	}

	key, _, err := s.GenerateApiKey(ctx, account.ID)
	if err != nil {
		return nil, "", err
	}
	s.log.Info("account created", "account_id", account.ID, "role", account.Role)
	return account, key, nil
}

// GenerateApiKey issues a new key for accountID.
func (s *AuthService) GenerateApiKey(ctx context.Context, accountID string) (string, *core.ApiKey, error) {
	if _, err := s.accounts.GetByID(ctx, accountID); err != nil {
		return "", nil, err
	}

	bytes := make([]byte, apiKeyBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", nil, err
	}
	key := hex.EncodeToString(bytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), s.cost)
	if err != nil {
		return "", nil, err
	}
	apiKey, err := s.apiKeyRepo.Create(ctx, accountID, key[:apiKeyPrefix], string(hash))
	if err != nil {
		return "", nil, err
	}
	return key, apiKey, nil
}

// VerifyApiKey resolves a plaintext key to its account.
func (s *AuthService) VerifyApiKey(ctx context.Context, plainKey string) (*core.Account, error) {
	if len(plainKey) != apiKeyBytes*2 {
		return nil, ErrInvalidAPIKey
	}
	if _, err := hex.DecodeString(plainKey); err != nil {
		return nil, ErrInvalidAPIKey
	}

	candidates, err := s.apiKeyRepo.ListActiveByPrefix(ctx, plainKey[:apiKeyPrefix])
	if err != nil {
		return nil, err
	}
	for _, k := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(plainKey)) != nil {
			continue
		}
		// Ignore error to not block auth
		if err := s.apiKeyRepo.TouchLastUsed(ctx, k.ID); err != nil {
			s.log.Warn("touch api key", "key_id", k.ID, "error", err)
		}
		return s.accounts.GetByID(ctx, k.AccountID)
	}
	return nil, ErrInvalidAPIKey
}

func (s *AuthService) UpdateRole(ctx context.Context, accountID string, role core.Role) error {
	if !role.Valid() {
		return core.ErrInvalid("unknown role %q", role)
	}
	return s.accounts.UpdateRole(ctx, accountID, role)
}

func (s *AuthService) ListAccounts(ctx context.Context) ([]core.Account, error) {
	return s.accounts.List(ctx)
}

package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"dpledger/internal/core"
	"dpledger/internal/dataset"
)

// SupportedDrivers are the database/sql drivers a dataset source may use.
// cmd/dpledger links all of them.
var SupportedDrivers = []string{"sqlite", "postgres", "mysql", "sqlserver", "odbc"}

// SourceService registers dataset sources and opens them. DSNs are stored
// encrypted.
type SourceService struct {
	repo      core.SourceRepository
	cryptoSvc *EncryptionService
}

func NewSourceService(repo core.SourceRepository, cryptoSvc *EncryptionService) *SourceService {
	return &SourceService{repo: repo, cryptoSvc: cryptoSvc}
}

func (s *SourceService) Register(ctx context.Context, name, driver, dsn, table string) (*core.DataSource, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, core.ErrInvalid("source name is required")
	}
	if !slices.Contains(SupportedDrivers, driver) {
		return nil, core.ErrInvalid("unsupported driver %q (supported: %s)", driver, strings.Join(SupportedDrivers, ", "))
	}
	if !dataset.ValidTable(table) {
		return nil, core.ErrInvalid("invalid table name %q", table)
	}
	if dsn == "" {
		return nil, core.ErrInvalid("dsn is required")
	}

	enc, err := s.cryptoSvc.Encrypt(dsn)
	if err != nil {
		return nil, fmt.Errorf("encrypt dsn: %w", err)
	}
	src := &core.DataSource{Name: name, Driver: driver, DSNEnc: enc, Table: table, IsActive: true}
	if err := s.repo.Create(ctx, src); err != nil {
		return nil, err
	}
	return src, nil
}

func (s *SourceService) List(ctx context.Context) ([]core.DataSource, error) {
	return s.repo.List(ctx)
}

// Open connects to the named source and discovers its columns.
func (s *SourceService) Open(ctx context.Context, name string) (*dataset.SQLAccessor, error) {
	src, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !src.IsActive {
		return nil, core.ErrInvalid("source %q is disabled", name)
	}
	dsn, err := s.cryptoSvc.Decrypt(src.DSNEnc)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", name, err)
	}
	acc, err := dataset.OpenSQL(ctx, src.Driver, dsn, src.Table)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", name, err)
	}
	return acc, nil
}

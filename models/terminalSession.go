package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const terminalSessionId = 1

// TerminalSession is the single-row login state written by the POS login screen.
type TerminalSession struct {
	ID                   int        `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TerminalId           string     `gorm:"size:64" json:"terminal_id"`
	BranchId             string     `gorm:"size:64" json:"branch_id"`
	Activated            bool       `gorm:"not null" json:"activated"`
	UserId               string     `gorm:"size:64" json:"user_id"`
	Username             string     `gorm:"size:255" json:"username"`
	Role                 string     `gorm:"size:40" json:"role"`
	AccessToken          string     `gorm:"type:text" json:"-"`
	AccessTokenExpiresAt *time.Time `json:"access_token_expires_at"`
	LoggedInAt           *time.Time `json:"logged_in_at"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type TerminalState struct {
	Activated  bool   `json:"activated"`
	TerminalId string `json:"terminalId"`
	BranchId   string `json:"branchId"`
}

type UserSessionState struct {
	Authenticated        bool       `json:"authenticated"`
	UserId               string     `json:"userId"`
	Username             string     `json:"username"`
	Role                 string     `json:"role"`
	IsAdmin              bool       `json:"isAdmin"`
	AccessTokenExpiresAt *time.Time `json:"accessTokenExpiresAt"`
}

var adminRoles = map[string]bool{"ADMIN": true, "OWNER": true}

type TerminalAuthStore struct {
	DB *gorm.DB
}

func NewTerminalAuthStore(db *gorm.DB) *TerminalAuthStore {
	return &TerminalAuthStore{DB: db}
}

func (s *TerminalAuthStore) load(ctx context.Context) (*TerminalSession, error) {
	var row TerminalSession
	err := s.DB.WithContext(ctx).Where("id = ?", terminalSessionId).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load terminal session: %w", err)
	}
	return &row, nil
}

func (s *TerminalAuthStore) GetState(ctx context.Context) (TerminalState, error) {
	row, err := s.load(ctx)
	if err != nil || row == nil {
		return TerminalState{}, err
	}
	return TerminalState{Activated: row.Activated, TerminalId: row.TerminalId, BranchId: row.BranchId}, nil
}

func (s *TerminalAuthStore) GetUserSessionState(ctx context.Context) (UserSessionState, error) {
	row, err := s.load(ctx)
	if err != nil || row == nil {
		return UserSessionState{}, err
	}
	role := strings.ToUpper(strings.TrimSpace(row.Role))
	return UserSessionState{
		Authenticated:        row.UserId != "" && row.AccessToken != "",
		UserId:               row.UserId,
		Username:             row.Username,
		Role:                 role,
		IsAdmin:              adminRoles[role],
		AccessTokenExpiresAt: row.AccessTokenExpiresAt,
	}, nil
}

// GetUserAccessToken returns "" when nobody is logged in.
func (s *TerminalAuthStore) GetUserAccessToken(ctx context.Context) (string, error) {
	row, err := s.load(ctx)
	if err != nil || row == nil {
		return "", err
	}
	return row.AccessToken, nil
}

// Activate registers the terminal identity.
func (s *TerminalAuthStore) Activate(ctx context.Context, terminalId, branchId string) error {
	row := TerminalSession{ID: terminalSessionId, TerminalId: terminalId, BranchId: branchId, Activated: true}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"terminal_id", "branch_id", "activated", "updated_at"}),
	}).Create(&row).Error
}

// SaveLogin stores the signed-in user and their access token.
func (s *TerminalAuthStore) SaveLogin(ctx context.Context, userId, username, role, token string, expiresAt *time.Time, at time.Time) error {
	at = at.UTC()
	row := TerminalSession{
		ID:                   terminalSessionId,
		UserId:               userId,
		Username:             username,
		Role:                 role,
		AccessToken:          token,
		AccessTokenExpiresAt: utcPtr(expiresAt),
		LoggedInAt:           &at,
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "username", "role", "access_token", "access_token_expires_at", "logged_in_at", "updated_at",
		}),
	}).Create(&row).Error
}

func (s *TerminalAuthStore) Logout(ctx context.Context) error {
	return s.DB.WithContext(ctx).
		Model(&TerminalSession{}).
		Where("id = ?", terminalSessionId).
		Updates(map[string]any{
			"user_id":                 "",
			"username":                "",
			"role":                    "",
			"access_token":            "",
			"access_token_expires_at": nil,
		}).Error
}

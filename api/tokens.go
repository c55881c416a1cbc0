package api

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/sessiongate/identity"
	"github.com/jmcleod/sessiongate/internal/util"
	"github.com/jmcleod/sessiongate/internal/uuid"
)

const refreshTokenBytes = 32

var (
	errTokenRejected  = errors.New("token is invalid or expired")
	errRefreshReplay  = errors.New("refresh token already rotated")
	errSessionMissing = errors.New("session not found")
)

// accessClaims are carried by access tokens. The session key binds the
// token to a login so that logout and session termination revoke it.
type accessClaims struct {
	Role       identity.Role `json:"role"`
	SessionKey string        `json:"sid"`
	jwt.RegisteredClaims
}

func (a *API) issueAccessToken(user userRecord, sessionKey string) (string, error) {
	now := a.now()
	claims := accessClaims{
		Role:       user.Role,
		SessionKey: sessionKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    a.cfg.Issuer,
			ID:        uuid.New(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.AccessTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

func (a *API) parseAccessToken(raw string) (*accessClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &accessClaims{},
		func(t *jwt.Token) (any, error) {
			return a.cfg.Secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTokenRejected, err)
	}
	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid || claims.Subject == "" || claims.SessionKey == "" {
		return nil, errTokenRejected
	}
	return claims, nil
}

// hashRefreshToken is the at-rest form of a refresh token.
func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// startSession records a new login and issues its token pair.
func (a *API) startSession(user userRecord, ip, userAgent string) (AuthSession, identity.TokenPair, error) {
	refresh, err := util.RandomToken(refreshTokenBytes)
	if err != nil {
		return AuthSession{}, identity.TokenPair{}, err
	}
	now := a.now()
	session := AuthSession{
		SessionKey:   uuid.New(),
		UserID:       user.ID,
		RefreshHash:  hashRefreshToken(refresh),
		IPAddress:    ip,
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(a.cfg.RefreshTTL),
	}
	if err := a.sessions.Create(session); err != nil {
		return AuthSession{}, identity.TokenPair{}, fmt.Errorf("storing session: %w", err)
	}
	access, err := a.issueAccessToken(user, session.SessionKey)
	if err != nil {
		a.sessions.Delete(session.SessionKey)
		return AuthSession{}, identity.TokenPair{}, err
	}
	return session, identity.TokenPair{Access: access, Refresh: refresh}, nil
}

// rotateRefreshToken redeems refresh for a new pair. The presented token is
// invalid afterwards, so a replayed token fails.
func (a *API) rotateRefreshToken(refresh string) (userRecord, identity.TokenPair, error) {
	oldHash := hashRefreshToken(refresh)
	session, ok := a.sessions.ByRefreshHash(oldHash)
	if !ok {
		return userRecord{}, identity.TokenPair{}, errSessionMissing
	}
	user, ok := a.users.get(session.UserID)
	if !ok || !user.IsActive {
		a.sessions.Delete(session.SessionKey)
		return userRecord{}, identity.TokenPair{}, errUserNotFound
	}

	next, err := util.RandomToken(refreshTokenBytes)
	if err != nil {
		return userRecord{}, identity.TokenPair{}, err
	}
	now := a.now()
	if !a.sessions.Rotate(session.SessionKey, oldHash, hashRefreshToken(next), now.Add(a.cfg.RefreshTTL)) {
		return userRecord{}, identity.TokenPair{}, errRefreshReplay
	}
	a.sessions.Touch(session.SessionKey, now)

	access, err := a.issueAccessToken(user, session.SessionKey)
	if err != nil {
		return userRecord{}, identity.TokenPair{}, err
	}
	return user, identity.TokenPair{Access: access, Refresh: next}, nil
}

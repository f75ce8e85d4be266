package docsync

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// ClientAuth is the caller supplied identity for a session. The engine does
// not verify it; verification is the sync endpoint's concern.
type ClientAuth struct {
	ByJwt string
}

type ByJwt struct {
	UserId   Id
	UserName string
}

// ParseByJwtUnverified extracts display identity claims without verifying
// the signature. Used only for presence metadata and logging.
func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		byJwt.UserName = userName
	}

	return byJwt, nil
}

package auth

// Service wraps the JWT configuration as the identity provider consumed by
// the transport layer.
type Service struct {
	jwtConfig *JWTConfig
}

// NewService creates a new identity service.
func NewService(jwtConfig *JWTConfig) *Service {
	return &Service{jwtConfig: jwtConfig}
}

// ValidateToken verifies a bearer token and returns its claims.
func (s *Service) ValidateToken(token string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, token)
}

// GenerateToken mints a token; exposed for tests and local development.
func (s *Service) GenerateToken(userID, name string) (string, error) {
	return GenerateToken(s.jwtConfig, userID, name)
}

package auth

import "golang.org/x/crypto/bcrypt"

// bcryptCost matches golang.org/x/crypto/bcrypt's recommended default; raising
// it trades login latency for resistance to offline cracking.
const bcryptCost = bcrypt.DefaultCost

// HashPassword returns a bcrypt hash of the plaintext password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash. A malformed hash is
// treated as a non-match rather than surfaced as an error, since both cases
// mean "authentication failed."
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

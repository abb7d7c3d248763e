package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// AdminCredentials: единственная учётная запись администратора из конфигурации.
// Пароль хранится только как bcrypt-хеш.
type AdminCredentials struct {
	Username     string
	PasswordHash string
}

// Authenticate проверяет имя и пароль.
// Без настроенного хеша вход администратора отключён.
func (a AdminCredentials) Authenticate(username, password string) bool {
	if a.Username == "" || a.PasswordHash == "" {
		return false
	}
	// Пароль проверяем и при неверном имени, чтобы время ответа не выдавало имя
	passwordOK := CheckPassword(a.PasswordHash, password)
	nameOK := subtle.ConstantTimeCompare([]byte(a.Username), []byte(username)) == 1
	return nameOK && passwordOK
}

// HashPassword returns a bcrypt hash of the password using DefaultCost.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckPassword compares a bcrypt hashed password with its possible plaintext equivalent.
func CheckPassword(hash string, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

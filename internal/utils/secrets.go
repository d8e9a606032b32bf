package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretsDir стандартный путь Docker Secrets.
var SecretsDir = "/run/secrets"

// ReadSecret читает секрет из файла в каталоге Docker Secrets.
func ReadSecret(secretName string) (string, error) {
	filePath := filepath.Join(SecretsDir, secretName)
	secretBytes, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", filePath, err)
	}
	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", filePath)
	}
	return secret, nil
}

// SecretOrDefault возвращает секрет из файла, а если файла нет, значение fallback.
func SecretOrDefault(secretName, fallback string) string {
	if secret, err := ReadSecret(secretName); err == nil {
		return secret
	}
	return fallback
}

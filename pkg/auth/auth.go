package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

type Credentials struct {
	ClientID string
	Username string
	Password string
}

// GenerateMQTTCredentials derives the broker credentials from the device
// identity. The password is an HMAC-SHA256 signature over the identity fields
// so the device secret itself never goes on the wire.
func GenerateMQTTCredentials(productKey, deviceName, deviceSecret string) *Credentials {
	clientID := fmt.Sprintf("%s.%s|signmethod=hmacsha256|", productKey, deviceName)
	username := fmt.Sprintf("%s&%s", deviceName, productKey)

	signContent := fmt.Sprintf("clientId%s.%sdeviceName%sproductKey%s",
		productKey, deviceName, deviceName, productKey)
	password := calculateHMACSHA256(signContent, deviceSecret)

	return &Credentials{
		ClientID: clientID,
		Username: username,
		Password: password,
	}
}

func calculateHMACSHA256(data, key string) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

package gateway

import (
	"encoding/json"
	"strings"
)

var (
	phoneFields  = map[string]bool{"PhoneNumber": true, "PartyA": true, "phonenumber": true, "phone_number": true}
	emailFields  = map[string]bool{"email": true}
	secretFields = map[string]bool{"Password": true}
)

// maskSensitiveFields returns body with phone numbers, emails and secrets
// masked at any depth. Bodies that are not JSON objects come back unchanged.
func maskSensitiveFields(body []byte) []byte {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return body
	}
	maskMap(req)
	masked, err := json.Marshal(req)
	if err != nil {
		return body
	}
	return masked
}

func maskMap(m map[string]any) {
	for key, value := range m {
		switch v := value.(type) {
		case map[string]any:
			maskMap(v)
		case string:
			switch {
			case phoneFields[key]:
				m[key] = maskPhone(v)
			case emailFields[key]:
				m[key] = maskEmail(v)
			case secretFields[key]:
				m[key] = "****"
			}
		}
	}
}

func maskPhone(phone string) string {
	if len(phone) > 4 {
		return "****" + phone[len(phone)-4:]
	}
	return "****"
}

func maskEmail(email string) string {
	parts := strings.SplitN(email, "@", 2)
	if len(parts) == 2 && len(parts[0]) > 3 {
		return parts[0][:3] + "****@" + parts[1]
	}
	return email
}

package auth

import "strings"

func trimSpace(s string) string { return strings.TrimSpace(s) }

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || !strings.Contains(email, "@") || len(email) > 255 {
		return "", validationErr("email", "enter a valid email address first.")
	}
	return email, nil
}

func tokenNameForClient(clientName string) string {
	normalized := strings.ToLower(strings.TrimSpace(clientName))
	if normalized == "" {
		normalized = defaultClientName
	}
	switch normalized {
	case "autopilot-ios", "openagents-expo":
		return "mobile:" + normalized
	case "autopilot-desktop", "openagents-desktop":
		return "desktop:" + normalized
	default:
		return defaultDeviceID
	}
}

func normalizeDeviceID(requested, fallback string) (string, error) {
	candidate := strings.TrimSpace(requested)
	if candidate == "" {
		candidate = fallback
	}

	if len(candidate) > 160 {
		return "", validationErr("device_id", "device id exceeds maximum length.")
	}

	for _, r := range candidate {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == ':' || r == '-' || r == '_' || r == '.'
		if !ok {
			return "", validationErr("device_id", "device id contains unsupported characters.")
		}
	}

	return strings.ToLower(candidate), nil
}

func derivedName(email, firstName, lastName string) string {
	candidate := strings.TrimSpace(strings.TrimSpace(firstName) + " " + strings.TrimSpace(lastName))
	if candidate == "" {
		return email
	}
	return candidate
}

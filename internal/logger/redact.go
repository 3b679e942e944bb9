package logger

import "strings"

// TruncateToken keeps the first and last two characters of an access token.
func TruncateToken(token string) string {
	if len(token) <= 4 {
		return "***"
	}
	return token[:2] + "***" + token[len(token)-2:]
}

// RedactEmail keeps the domain and the first two characters of the mailbox.
func RedactEmail(email string) string {
	if email == "" {
		return ""
	}
	user, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "[redacted]"
	}
	if len(user) > 2 {
		return user[:2] + "***@" + domain
	}
	return "***@" + domain
}

// RedactPhone keeps only the last three digits.
func RedactPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	switch {
	case phone == "":
		return ""
	case len(phone) <= 3:
		return "***"
	}
	return "***" + phone[len(phone)-3:]
}

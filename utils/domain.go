package utils

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/likexian/whois"
)

// youngDomainAge is the threshold under which a sending domain should be
// warmed up before full-volume outreach.
const youngDomainAge = 90 * 24 * time.Hour

var creationDatePattern = regexp.MustCompile(`(?i)creat(?:ed|ion)[^:]*:\s*(\d{4}-\d{2}-\d{2})`)

// ValidateLeadEmail checks syntax and MX records for an imported lead address.
func ValidateLeadEmail(email string) error {
	if err := checkmail.ValidateFormat(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	if err := checkmail.ValidateMX(email); err != nil {
		return fmt.Errorf("no mail server for domain: %w", err)
	}
	return nil
}

// RecommendWarmup looks up the sending domain's registration date and
// recommends warmup for domains younger than three months. Lookup failures
// lean on the safe side and recommend warmup.
func RecommendWarmup(fromEmail string) bool {
	at := strings.LastIndex(fromEmail, "@")
	if at == -1 || at+1 >= len(fromEmail) {
		return true
	}
	domain := fromEmail[at+1:]

	raw, err := whois.Whois(domain)
	if err != nil {
		return true
	}
	match := creationDatePattern.FindStringSubmatch(raw)
	if match == nil {
		return true
	}
	created, err := time.Parse("2006-01-02", match[1])
	if err != nil {
		return true
	}
	return time.Since(created) < youngDomainAge
}

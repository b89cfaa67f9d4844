package templates

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

// Variables every agreement document may reference.
const (
	VarAgreementID = "agreement_id"
	VarAssetID     = "asset_id"
	VarOwnerID     = "owner_id"
	VarSignerID    = "signer_id"
	VarTier        = "tier"
	VarSignedAt    = "signed_at"
	VarExpiresAt   = "expires_at"
)

// SupportedVariables lists the placeholders a template body may use.
var SupportedVariables = []string{
	VarAgreementID, VarAssetID, VarOwnerID, VarSignerID, VarTier, VarSignedAt, VarExpiresAt,
}

var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// NormalizeBody puts a body into NFC with LF line endings, no trailing
// whitespace on any line, and exactly one final newline.
func NormalizeBody(in string) string {
	s := norm.NFC.String(in)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n") + "\n"
}

// BodyHash is the hex sha256 of a normalized body.
func BodyHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ExtractVariables returns the sorted, unique placeholder names in body.
func ExtractVariables(body string) []string {
	var vars []string
	for _, m := range placeholderRE.FindAllStringSubmatch(body, -1) {
		if !slices.Contains(vars, m[1]) {
			vars = append(vars, m[1])
		}
	}
	slices.Sort(vars)
	return vars
}

// validateVariables rejects placeholders that rendering could not fill.
func validateVariables(vars []string) error {
	for _, v := range vars {
		if !slices.Contains(SupportedVariables, v) {
			return contracts.Errorf(contracts.CodeInvalidInput,
				"unknown template variable %q (supported: %s)", v, strings.Join(SupportedVariables, ", "))
		}
	}
	return nil
}

// Render substitutes values into the template body. Placeholders without a
// value render empty, so optional fields such as expires_at may be omitted.
func Render(t *contracts.Template, values map[string]string) string {
	out := placeholderRE.ReplaceAllStringFunc(t.Body, func(m string) string {
		match := placeholderRE.FindStringSubmatch(m)
		if len(match) != 2 {
			return ""
		}
		return values[match[1]]
	})
	return NormalizeBody(out)
}

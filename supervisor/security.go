package supervisor

import (
	"regexp"

	"github.com/goadesign/toolgate/internal/gatewayerr"
)

// disallowedCodePatterns are the pre-execution checks required of user code
// before it is ever embedded in a generated worker program: direct access to
// the global object and dynamic construction of new code, the two patterns
// named by §7's SecurityError. Tool stubs are data (a name-keyed map), never
// code, so nothing legitimate a tool invocation needs should ever trip these.
var disallowedCodePatterns = []struct {
	pattern *regexp.Regexp
	name    string
}{
	{regexp.MustCompile(`\beval\s*\(`), "eval"},
	{regexp.MustCompile(`\bnew\s+Function\s*\(`), "new-function"},
	{regexp.MustCompile(`\bFunction\s*\(\s*['"` + "`" + `]`), "function-constructor"},
	{regexp.MustCompile(`\bglobalThis\b`), "globalThis-access"},
	{regexp.MustCompile(`\bimport\s*\(`), "dynamic-import"},
	{regexp.MustCompile(`\brequire\s*\(`), "require"},
	{regexp.MustCompile(`\bprocess\s*\.\s*binding\b`), "process-binding"},
	{regexp.MustCompile(`\bconstructor\s*\.\s*constructor\b`), "constructor-escape"},
}

// checkCodeSecurity scans userCode for the patterns §7 names as disallowed
// before execution: direct global-object access and dynamic code
// construction. It returns the first match found, wrapped as the
// SecurityError kind so callers can reject the submission without ever
// reaching workergen.Generate.
func checkCodeSecurity(userCode string) *gatewayerr.SecurityError {
	for _, check := range disallowedCodePatterns {
		if check.pattern.MatchString(userCode) {
			return &gatewayerr.SecurityError{
				Pattern: check.name,
				Message: "disallowed pattern: " + check.name,
			}
		}
	}
	return nil
}

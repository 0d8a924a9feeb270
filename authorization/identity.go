package authorization

import (
	"encoding/json"
	"strings"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

// AdminRole is the role name that unlocks knowledge-base moderation.
const AdminRole = "admin"

// CurrentUser reads the authenticated user's id and roles from the request's
// JWT claims. A zero id means the request is unauthenticated.
func CurrentUser(c *gin.Context) (uint64, []string) {
	if c == nil {
		return 0, nil
	}
	claims := jwt.ExtractClaims(c)
	if len(claims) == 0 {
		return 0, nil
	}
	return parseUserIDClaim(claims[identityKey]), extractRolesClaim(claims["roles"])
}

// HasRole reports whether the role list contains the target, ignoring case.
func HasRole(roles []string, target string) bool {
	normalized := strings.ToLower(strings.TrimSpace(target))
	if normalized == "" {
		return false
	}
	for _, role := range roles {
		if strings.ToLower(strings.TrimSpace(role)) == normalized {
			return true
		}
	}
	return false
}

func parseUserIDClaim(raw interface{}) uint64 {
	switch v := raw.(type) {
	case float64:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case int:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case int64:
		if v <= 0 {
			return 0
		}
		return uint64(v)
	case uint:
		return uint64(v)
	case uint64:
		return v
	case json.Number:
		parsed, err := v.Int64()
		if err != nil || parsed <= 0 {
			return 0
		}
		return uint64(parsed)
	default:
		return 0
	}
}

func extractRolesClaim(raw interface{}) []string {
	switch values := raw.(type) {
	case []string:
		result := make([]string, 0, len(values))
		for _, role := range values {
			if trimmed := strings.TrimSpace(role); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	case []interface{}:
		result := make([]string, 0, len(values))
		for _, value := range values {
			if label, ok := value.(string); ok {
				if trimmed := strings.TrimSpace(label); trimmed != "" {
					result = append(result, trimmed)
				}
			}
		}
		return result
	case string:
		trimmed := strings.TrimSpace(values)
		if trimmed == "" {
			return []string{}
		}
		return []string{trimmed}
	default:
		return []string{}
	}
}

package dto

type SuspendTenantResponse struct {
	TenantID      string `json:"tenant_id"`
	CancelledRuns int    `json:"cancelled_runs"`
}

type PoolUsageResponse struct {
	TenantID       string  `json:"tenant_id"`
	CIDR           string  `json:"cidr"`
	Gateway        string  `json:"gateway"`
	Total          int     `json:"total"`
	Allocated      int     `json:"allocated"`
	Available      int     `json:"available"`
	UsagePercent   float64 `json:"usage_percent"`
	Status         string  `json:"status"`
	NeedsExpansion bool    `json:"needs_expansion"`
}

type IssueTokenRequest struct {
	Operator string `json:"operator" binding:"required"`
	Role     string `json:"role"`
}

type IssueTokenResponse struct {
	Token    string `json:"token"`
	TenantID string `json:"tenant_id"`
	Operator string `json:"operator"`
	Role     string `json:"role"`
}

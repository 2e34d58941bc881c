package bedrock

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pysugar/completion-gateway/internal/db/models"
)

const (
	sessionName             = "completion-gateway-cross-account-session"
	defaultCredentialsCache = 256
)

// ExternalID scopes an assumed role to one workspace environment.
func ExternalID(workspaceID, environmentID string) string {
	return workspaceID + ":" + environmentID
}

type providerFactory func(roleARN, externalID, region string) aws.CredentialsProvider

// CredentialCache holds assume-role credential providers keyed by role and
// external id. Least recently used entries are evicted past size.
type CredentialCache struct {
	entries     *lru.Cache[string, credentialEntry]
	newProvider providerFactory
}

type credentialEntry struct {
	roleARN  string
	provider aws.CredentialsProvider
}

func NewCredentialCache(base aws.Config, size int) *CredentialCache {
	if size <= 0 {
		size = defaultCredentialsCache
	}
	// only fails for a non-positive size
	entries, _ := lru.New[string, credentialEntry](size)
	return &CredentialCache{
		entries: entries,
		newProvider: func(roleARN, externalID, region string) aws.CredentialsProvider {
			cfg := base.Copy()
			if region != "" {
				cfg.Region = region
			}
			client := sts.NewFromConfig(cfg)
			return aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(client, roleARN, func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = sessionName
				o.ExternalID = aws.String(externalID)
			}))
		},
	}
}

// Get returns the cached provider for the role, creating it on first use.
// Two concurrent misses may both build a provider; the last one is kept.
func (c *CredentialCache) Get(roleARN, externalID, region string) aws.CredentialsProvider {
	key := roleARN + "\x00" + externalID
	if entry, ok := c.entries.Get(key); ok {
		return entry.provider
	}
	entry := credentialEntry{roleARN: roleARN, provider: c.newProvider(roleARN, externalID, region)}
	c.entries.Add(key, entry)
	return entry.provider
}

// Invalidate drops every provider for roleARN, e.g. after credential rotation.
func (c *CredentialCache) Invalidate(roleARN string) {
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok && strings.EqualFold(entry.roleARN, roleARN) {
			c.entries.Remove(key)
		}
	}
}

// ConnectionChanged drops the providers of a Bedrock connection's previous
// role when a save points it at another role.
func (c *CredentialCache) ConnectionChanged(conn *models.Connection, previous, current map[string]any) {
	if conn == nil || conn.Provider != ProviderID || previous == nil {
		return
	}
	before := roleOf(previous)
	if before != "" && !strings.EqualFold(before, roleOf(current)) {
		c.Invalidate(before)
	}
}

func roleOf(cfg map[string]any) string {
	role, _ := cfg["iamRoleArn"].(string)
	return strings.TrimSpace(role)
}

func (c *CredentialCache) Len() int {
	return c.entries.Len()
}

// Package label parses and formats the leftmost hostname component that
// addresses a resource of an app hosted on this box.
//
// Grammar:
//
//	{project}.{box}                     production app
//	{project}--libsql.{box}             production DB
//	{project}--{slug}.{box}             preview deployment
//	{project}--{slug}-insert.{box}      preview deployment, branch DB writes enabled
//	{project}--{slug}-libsql.{box}      branch DB
package label

import (
	"fmt"
	"strings"
)

// Kind discriminates the label variants.
type Kind int

const (
	Prod Kind = iota
	ProdDb
	Deployment
	DeploymentInsert
	BranchDb
)

// Label is a parsed hostname prefix.
type Label struct {
	Kind       Kind
	Project    string
	Deployment string // URL slug, set for Deployment/DeploymentInsert/BranchDb
}

// Hostname formats the label back into a full hostname under boxDomain.
func (l Label) Hostname(boxDomain string) string {
	switch l.Kind {
	case Prod:
		return fmt.Sprintf("%s.%s", l.Project, boxDomain)
	case ProdDb:
		return fmt.Sprintf("%s--libsql.%s", l.Project, boxDomain)
	case Deployment:
		return fmt.Sprintf("%s--%s.%s", l.Project, l.Deployment, boxDomain)
	case DeploymentInsert:
		return fmt.Sprintf("%s--%s-insert.%s", l.Project, l.Deployment, boxDomain)
	case BranchDb:
		return fmt.Sprintf("%s--%s-libsql.%s", l.Project, l.Deployment, boxDomain)
	}
	return ""
}

// InsertEnabled reports whether the label grants writes to a branch DB.
func (l Label) InsertEnabled() bool {
	return l.Kind == DeploymentInsert
}

// StripFromDomain extracts and parses the label from a full hostname.
func StripFromDomain(hostname, boxDomain string) (Label, error) {
	withDot, ok := strings.CutSuffix(hostname, boxDomain)
	if !ok {
		return Label{}, fmt.Errorf("hostname %q does not end with the box domain", hostname)
	}
	if !strings.HasSuffix(withDot, ".") {
		return Label{}, fmt.Errorf("invalid hostname %q", hostname)
	}
	raw := withDot[:len(withDot)-1]
	if strings.Contains(raw, ".") {
		return Label{}, fmt.Errorf("invalid label %q, more dots than expected", raw)
	}
	return Parse(raw)
}

// Parse parses a bare label.
func Parse(raw string) (Label, error) {
	parts := strings.Split(raw, "--")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return Label{}, fmt.Errorf("empty label")
		}
		return Label{Kind: Prod, Project: parts[0]}, nil
	case 2:
		project, sublabel := parts[0], parts[1]
		if project == "" {
			return Label{}, fmt.Errorf("empty project in label %q", raw)
		}
		sub := strings.Split(sublabel, "-")
		switch len(sub) {
		case 1:
			if sub[0] == "libsql" {
				return Label{Kind: ProdDb, Project: project}, nil
			}
			return Label{Kind: Deployment, Project: project, Deployment: sub[0]}, nil
		case 2:
			switch sub[1] {
			case "libsql":
				return Label{Kind: BranchDb, Project: project, Deployment: sub[0]}, nil
			case "insert":
				return Label{Kind: DeploymentInsert, Project: project, Deployment: sub[0]}, nil
			}
		}
		return Label{}, fmt.Errorf("invalid label %q", raw)
	default:
		return Label{}, fmt.Errorf("invalid label %q", raw)
	}
}

package provision

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLoginUser is used when no rule matches the image name.
const DefaultLoginUser = "ubuntu"

// AccountRule maps an OS-family fragment of an image name to its login
// account. Anything in parentheses in the pattern is ignored when matching.
type AccountRule struct {
	Pattern string `yaml:"pattern"`
	Account string `yaml:"account"`
}

// AccountTable is evaluated in order and the first matching rule wins.
type AccountTable struct {
	Rules   []AccountRule `yaml:"rules"`
	Default string        `yaml:"default"`
}

// DefaultAccountTable lists the common OS families. Order matters: a generic
// pattern placed before a more specific one shadows it.
var DefaultAccountTable = AccountTable{
	Default: DefaultLoginUser,
	Rules: []AccountRule{
		{"Amazon Linux", "ec2-user"},
		{"Amazon Linux 2", "ec2-user"},
		{"Amazon Linux 2023", "ec2-user"},
		{"Ubuntu 16.04", "ubuntu"},
		{"Ubuntu 18.04", "ubuntu"},
		{"Ubuntu 20.04", "ubuntu"},
		{"Ubuntu 22.04", "ubuntu"},
		{"Debian 9", "admin"},
		{"Debian 10", "admin"},
		{"Debian 11", "admin"},
		{"Debian (older versions)", "debian"},
		{"RHEL 7", "ec2-user"},
		{"RHEL 8", "ec2-user"},
		{"RHEL 9", "ec2-user"},
		{"CentOS 7", "centos"},
		{"CentOS 8", "centos"},
		{"Fedora", "fedora"},
		{"SUSE Linux Enterprise Server (SLES)", "ec2-user"},
		{"openSUSE", "ec2-user"},
		{"FreeBSD", "ec2-user"},
		{"FreeBSD (older versions)", "freebsd"},
		{"Bitnami", "bitnami"},
		{"TurnKey Linux", "root"},
		{"AlmaLinux", "ec2-user"},
		{"Rocky Linux", "ec2-user"},
		{"Arch Linux", "ec2-user"},
		{"NixOS", "ec2-user"},
		{"Gentoo", "ec2-user"},
		{"Clear Linux", "clear"},
		{"Windows", "Administrator"},
		{"Custom AMI", "ec2-user"},
	},
}

var parenthetical = regexp.MustCompile(`\s*\(.*\)`)

func normalizePattern(p string) string {
	return strings.ToLower(parenthetical.ReplaceAllString(p, ""))
}

// DetermineLoginAccount returns the account of the first rule whose pattern
// occurs in imageName, case-insensitively, or the table default.
func (t AccountTable) DetermineLoginAccount(imageName string) string {
	name := strings.ToLower(imageName)
	for _, rule := range t.Rules {
		p := normalizePattern(rule.Pattern)
		if p != "" && strings.Contains(name, p) {
			return rule.Account
		}
	}
	if t.Default == "" {
		return DefaultLoginUser
	}
	return t.Default
}

// LoadAccountTable reads a YAML account table. An empty path selects the
// built-in table.
func LoadAccountTable(path string) (AccountTable, error) {
	if path == "" {
		return DefaultAccountTable, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return AccountTable{}, fmt.Errorf("failed to read account table: %w", err)
	}

	var table AccountTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return AccountTable{}, fmt.Errorf("failed to parse account table: %w", err)
	}
	for i, r := range table.Rules {
		if strings.TrimSpace(r.Pattern) == "" || strings.TrimSpace(r.Account) == "" {
			return AccountTable{}, fmt.Errorf("account table rule %d needs both pattern and account", i+1)
		}
	}
	if table.Default == "" {
		table.Default = DefaultLoginUser
	}
	return table, nil
}

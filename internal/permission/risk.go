package permission

import "strings"

// installCommands pull third-party code.
var installCommands = []string{
	"npm install", "npm i", "yarn add", "pnpm add", "pip install", "pip3 install",
	"go get", "go install", "cargo add", "cargo install", "gem install", "apt-get install",
}

// readOnlyCommands have no side effects on the project.
var readOnlyCommands = []string{
	"ls", "cat", "head", "tail", "wc", "pwd", "echo", "git status", "git diff", "git log",
	"go vet", "go test", "go build", "npm test", "cargo check", "cargo test",
}

func hasCommand(c, prefix string) bool {
	return c == prefix || strings.HasPrefix(c, prefix+" ")
}

// ClassifyShell maps a command to an action type and risk.
func ClassifyShell(command string) (ActionType, Risk) {
	c := strings.Join(strings.Fields(strings.ToLower(command)), " ")
	for _, p := range installCommands {
		if hasCommand(c, p) {
			return ActionInstallPackage, RiskHigh
		}
	}
	if strings.ContainsAny(c, ";&|>`$") {
		return ActionShellExecute, RiskHigh
	}
	for _, p := range readOnlyCommands {
		if hasCommand(c, p) {
			return ActionShellExecute, RiskLow
		}
	}
	return ActionShellExecute, RiskMedium
}

// RiskFor returns the default risk of non-shell actions.
func RiskFor(t ActionType) Risk {
	switch t {
	case ActionFileWrite:
		return RiskLow
	case ActionFileDelete, ActionNetworkRequest:
		return RiskMedium
	default:
		return RiskHigh
	}
}

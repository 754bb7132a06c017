package luks

import (
	"errors"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
)

// ErrCredentialMismatch reports a passphrase confirmation that did not
// match. PromptPassphrase recovers from it by re-prompting.
var ErrCredentialMismatch = errors.New("passphrases do not match")

// Prompter asks the operator for a hidden line. Tests substitute a scripted
// implementation.
type Prompter func(message string) (string, error)

// SurveyPrompter asks on the controlling terminal.
func SurveyPrompter(message string) (string, error) {
	var out string
	err := survey.AskOne(&survey.Password{Message: message}, &out)
	return out, err
}

func promptOnce(ask Prompter) (string, error) {
	pass, err := ask("Choose an unlock passphrase:")
	if err != nil {
		return "", err
	}
	if pass == "" {
		return "", fmt.Errorf("empty passphrase: %w", ErrCredentialMismatch)
	}
	confirm, err := ask("Confirm passphrase:")
	if err != nil {
		return "", err
	}
	if pass != confirm {
		return "", ErrCredentialMismatch
	}
	return pass, nil
}

// PromptPassphrase asks for a passphrase and its confirmation, re-prompting
// on mismatch until the pair matches or the operator cancels the prompt.
func PromptPassphrase(ask Prompter) (string, error) {
	for {
		pass, err := promptOnce(ask)
		if err == nil {
			return pass, nil
		}
		if !errors.Is(err, ErrCredentialMismatch) {
			return "", err
		}
		color.Yellow("Passphrases do not match, try again.")
	}
}

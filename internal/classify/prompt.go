package classify

import "fmt"

const systemPrompt = `You are a classifier that decides whether a chat message expresses a need for a product. Respond with "Yes" or "No" only.`

// BuildUserPrompt wraps the message text in the classification question.
func BuildUserPrompt(text string) string {
	return fmt.Sprintf("Is the following message a product-related need? Answer only with 'Yes' or 'No'. Message: '%s'", text)
}

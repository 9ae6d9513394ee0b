package research

import "fmt"

const systemPrompt = `You help a person find one specific product that fits their need.

Compose a short, friendly chat message recommending a single product. The message should:
- open with a casual greeting;
- name the product and its key features;
- mention what people who used it liked, and gently note any common complaints;
- stay short and easy to read on a phone.

Do not include any links; a product link is attached separately.`

// BuildUserPrompt asks for a recommendation addressed to contact.
func BuildUserPrompt(query, contact string) string {
	return fmt.Sprintf("This is a user's need: %s.\n\n"+
		"Write the recommendation message as described above, addressed to %s, in this form:\n\n"+
		"Hey, I saw your need %s, here is the solution to your need: <response>", query, contact, contact)
}

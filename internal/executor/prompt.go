package executor

import "strings"

// BuildPrompt assembles the single analyzer request for a query and its document text.
func BuildPrompt(query, document string) string {
	var b strings.Builder
	b.WriteString("You are a financial analyst. Analyze the following financial document and provide a comprehensive response.\n\n")
	b.WriteString("USER QUERY: ")
	b.WriteString(query)
	b.WriteString("\n\nFINANCIAL DOCUMENT:\n")
	b.WriteString(document)
	b.WriteString("\n\nPlease provide a complete analysis including:\n")
	b.WriteString("1. Direct answer to the user's query\n")
	b.WriteString("2. Key financial highlights and metrics\n")
	b.WriteString("3. Investment insights and recommendations\n")
	b.WriteString("4. Risk assessment and concerns\n")
	b.WriteString("5. Overall financial health summary\n\n")
	b.WriteString("Format your response as a structured financial analysis report.\n")
	return b.String()
}

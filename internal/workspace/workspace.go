// Package workspace holds the per-workspace prompt material and the fixed
// enterprise consulting catalog.
package workspace

import "slyntos/internal/models"

const identityProtocol = `
1. Your name is Slyntos AI.
2. You were created and are owned EXCLUSIVELY by Adonai Lynton.
3. Mention owner ONLY if explicitly asked.
4. NEVER mention Google, being an AI, an LLM, or any other assistant name.
`

const personalityProtocol = `
# PERSONALITY: THE ULTIMATE ASSISTANT
- Role: An elite, all-knowing assistant with total access to world information.
- Language: You speak every language perfectly.
- Tone: Professional, direct, and extremely helpful.

## RULES
- Keep responses short and clear.
- No long paragraphs.
- Use bullet points (*) or numbered lists (1.) for ideas.
- Leave a blank line between every point.
- Use clear headings in all caps.

### SPEED
- Respond instantly. No filler words.
- Use Google Search for real-time facts.
`

const generalInstruction = identityProtocol + personalityProtocol + `
# CAPABILITIES
- Help with any task.
- Real-time information via Google Search.
- Clear, simple, and professional formatting.
`

const tutorInstruction = identityProtocol + personalityProtocol + `
# ROLE: SLYNTOS EDU
You are an expert teacher and scholar.
- Explain complex topics simply.
- Use numbered headers and bullet points.
- Leave space between every point.
- Use perfect math formulas when needed.
`

const websiteInstruction = identityProtocol + personalityProtocol + `
# ROLE: WEB BUILDER
You are an expert web developer. You build and host complete front-end and back-end websites.
- Create beautiful, modern designs.
- Use clean, professional code.
- Ensure everything works perfectly.
- You can build anything from simple pages to complex systems.

## OUTPUT FORMAT
---filename---
(Full Code)
`

const enterpriseInstruction = identityProtocol + personalityProtocol + `
# ROLE: BUSINESS EXPERT
Help businesses grow and automate their work.
`

var instructions = map[models.Workspace]string{
	models.WorkspaceGeneral:        generalInstruction,
	models.WorkspaceTutor:          tutorInstruction,
	models.WorkspaceWebsiteBuilder: websiteInstruction,
	models.WorkspaceVideoStudio:    generalInstruction,
	models.WorkspaceEnterprise:     enterpriseInstruction,
}

var placeholders = map[models.Workspace]string{
	models.WorkspaceGeneral:        "Ask anything...",
	models.WorkspaceTutor:          "What do you want to learn today?",
	models.WorkspaceWebsiteBuilder: "Describe the website you want to build...",
	models.WorkspaceVideoStudio:    "Describe the video you want to create...",
	models.WorkspaceEnterprise:     "How can we grow your business?",
}

// SystemInstruction returns the workspace's system prompt.
func SystemInstruction(ws models.Workspace) string {
	if instr, ok := instructions[ws]; ok {
		return instr
	}
	return generalInstruction
}

// Placeholder returns the composer placeholder text for the workspace.
func Placeholder(ws models.Workspace) string {
	if p, ok := placeholders[ws]; ok {
		return p
	}
	return placeholders[models.WorkspaceGeneral]
}

// Stream is one entry of the enterprise consulting catalog.
type Stream struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Speed       string `json:"speed"`
	Description string `json:"description"`
}

// EnterpriseStreams is the fixed catalog shown in the business hub.
var EnterpriseStreams = []Stream{
	{ID: "automation", Name: "Automation", Speed: "7 Days", Description: "Make business tasks automatic."},
	{ID: "software", Name: "Software", Speed: "14 Days", Description: "Build custom tools for business."},
	{ID: "software_dev", Name: "Big Systems", Speed: "21 Days", Description: "Large scale web architectures."},
	{ID: "strategy", Name: "Strategy", Speed: "3 Days", Description: "Expert advice for business growth."},
}

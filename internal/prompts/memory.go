package prompts

// IDs of the prompts the memory manager sends to the collaborator.
const (
	TopicShift        = "topic_shift"
	Summarize         = "summarize"
	Recompress        = "recompress"
	OnboardingExtract = "onboarding_extract"
)

func init() {
	c := Default()

	c.mustAdd(&Template{
		ID:       TopicShift,
		Revision: 1,
		Text: `You are a conversation flow analyzer.
=== CONTEXT ===
{{context}}
=== NEW MESSAGE ===
user: {{message}}

TASK: Is the NEW MESSAGE introducing a completely different topic compared to the CONTEXT? (e.g. switching from coding to cooking, or family to work).
Answer ONLY 'YES' or 'NO'.`,
		Purpose: "Yes/no classifier for topic shifts",
	})

	c.mustAdd(&Template{
		ID:       Summarize,
		Revision: 1,
		Text: `You are a memory manager. Compress this conversation into long-term memory.
=== EXISTING TOPICS ===
{{topics}}
=== CONVERSATION ===
{{conversation}}

INSTRUCTIONS:
1. Identify the PRIMARY TOPIC of this conversation (e.g., Coding, Family, Health, Travel). Use an existing one if it fits, or name a new one.
2. Summarize key facts/events relevant to that topic.
3. Update the 'History' log with a 1-line summary of the user's request.
4. FORMAT:
TOPIC: [Topic Name]
SUMMARY: [New facts to append to this topic]
HISTORY: [1-line request summary]`,
		Purpose: "Routes an evicted batch into one topic bucket plus a history line",
	})

	c.mustAdd(&Template{
		ID:       Recompress,
		Revision: 1,
		Text: `You maintain long-term notes about a client under the topic "{{topic}}".
The notes below have grown too long. Rewrite them as a single compact paragraph of at most {{limit}} characters.
Keep names, dates, decisions and feelings. Drop repetition.
Output ONLY the rewritten notes.

=== NOTES ===
{{notes}}`,
		Purpose: "Re-compresses an oversized topic bucket",
	})

	c.mustAdd(&Template{
		ID:       OnboardingExtract,
		Revision: 1,
		Text: `Analyze the conversation. Has the user provided their name, profession, or interests?
=== CONVERSATION ===
{{conversation}}

INSTRUCTIONS:
1. If YES, extract a concise summary (e.g., 'Alice, Baker').
2. If NO (or if they just said 'Hi'), return 'Unknown'.
3. FORMAT: Output ONLY the summary string.`,
		Purpose: "One-shot identity/interest extraction while no topics exist",
	})
}

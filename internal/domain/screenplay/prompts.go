package screenplay

import (
	"encoding/json"
	"fmt"
	"strings"
)

const systemInstruction = `You are a senior visual action designer and screenwriter working to industry formatting standards.
Turn the uploaded source material into a screen-ready transcript of a finished film: every second on screen and every sound is described.

Rules:
- Every scene header carries its estimated screen time: SCENE 1: LOCATION - TIME - [DURATION: 45 seconds].
- Never summarize action. Verbs such as "they fight", "he walks" or "she runs" are forbidden; break every action into concrete micro-actions.
- Write in the present tense. Keep it fast and physical.
- No camera directions. Describe what is seen, not how it is shot.
- Dialogue sounds like people talk: hesitations, interruptions (--), no names in every line, period-appropriate but never bookish.
- No metaphorical actions. Every action has a physical, observable result.`

const analyzePrompt = `Analyze the uploaded source material.

Propose exactly 3 distinct film concepts. For each give the genre, a one-sentence logline, the tone and what makes it unique.
Also give a short summary of the source.

Respond in JSON.`

const characterPrompt = `I choose concept %d for a %d-minute film:
%s

Build the protagonist's identity card. The character must fit the source material and the concept: period and culture shape the name.
Give the name, dramatic need, point of view, attitude, arc, backstory and flaws. Suggest supporting characters by name.

Respond in JSON.`

const beatSheetPrompt = `Structure the story with the Save the Cat method: 15 beats for a %d-minute film.

Concept:
%s

Protagonist:
%s

For each beat give the number (1-15), name, what the protagonist does or lives through, the estimated duration in seconds and the key moment.
Mark the beats closing act one, the midpoint and act two.

Respond in JSON.`

const outlinePrompt = `Build the scene list from this beat sheet:
%s

For each scene give the number, location (in capitals), time of day, duration in seconds, a one or two sentence description, the beat it belongs to and its emotional arc.
The scene durations must add up to %d minutes (%d seconds).

Respond in JSON.`

const writeScenePrompt = `Write SCENE %d and stop.

Location: %s
Time: %s
Target duration: %d seconds
Description: %s

Apply visual decompression: describe every second with micro-actions, produce %d seconds of visual detail and write only this scene.
Header format: SCENE %d: %s - %s - [DURATION: %d seconds]

Respond in JSON.`

const expandScenePrompt = `Expand this scene:
%s

Slow the action down, add sensory detail (sound, smell, touch) and split micro-actions further. Double the duration to %d seconds.
Same events, more detail.

Respond in JSON.`

const reviseScenePrompt = `Revise this scene:
%s

Revision notes:
%s

Keep the duration and format, change only what the notes ask for and keep the micro-action style.

Respond in JSON.`

const optimizePrompt = `Act as a script doctor and review this screenplay:
%s

Check continuity, plot holes, character motivation, clichés, whether the protagonist drives events, whether the first ten minutes hook the audience and whether dialogue sounds robotic.
Score the draft from 1 to 10 and list recommendations.

Respond in JSON.`

func asJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}

func sceneHeader(o SceneOutline) string {
	return fmt.Sprintf("SCENE %d: %s - %s - [DURATION: %d seconds]", o.SceneNumber, o.Location, o.TimeOfDay, o.DurationSeconds)
}

// Format renders the screenplay as plain text for review and export.
func Format(doc *Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", doc.Title)
	if c, ok := doc.Concept(); ok {
		fmt.Fprintf(&b, "Genre: %s\nLogline: %s\n", c.Genre, c.Logline)
	}
	b.WriteString("\n## SCENES\n\n")

	for _, s := range doc.Scenes {
		b.WriteString(s.Header)
		b.WriteString("\n\n")
		b.WriteString(s.Action)
		b.WriteString("\n")
		if len(s.Dialogue) > 0 {
			b.WriteString("\n")
			for _, d := range s.Dialogue {
				b.WriteString(strings.ToUpper(d.Character))
				if d.Parenthetical != "" {
					fmt.Fprintf(&b, " (%s)", d.Parenthetical)
				}
				fmt.Fprintf(&b, "\n    %s\n", d.Line)
			}
		}
		b.WriteString("\n---\n\n")
	}
	return b.String()
}

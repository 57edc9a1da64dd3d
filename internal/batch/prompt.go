package batch

// CalibrationReference holds the fixed anchor examples sent with every
// analysis request. Anchors pin the characteristic scales so that scores
// from independent requests stay comparable; changing them invalidates
// comparability with previously analyzed batches.
const CalibrationReference = `## Calibration Reference

Score each characteristic from 0.0 to 1.0 against these fixed anchors:

formality:
  0.1 -> "lol yeah nah that thing is totally busted, dunno why"
  0.5 -> "I think the report misses a few points, but it's mostly fine."
  0.9 -> "It is respectfully submitted that the findings warrant revision."

verbosity:
  0.1 -> "Agreed."
  0.5 -> "Agreed - the second option seems safer given the deadline."
  0.9 -> "Having weighed both options at length, and considering the
          deadline as well as the staffing question raised earlier, I am
          inclined, on balance, to agree with the second proposal."

emotionality:
  0.1 -> "The package arrived on the 14th."
  0.5 -> "Really glad the package finally showed up."
  0.9 -> "I literally cannot believe it's HERE, I've waited FOREVER!!!"

humor:
  0.1 -> "The meeting is moved to 3pm."
  0.5 -> "Meeting moved to 3pm, so lunch plans are now a myth."
  0.9 -> "Meeting moved to 3pm because time is a construct and calendars
          are where hope goes to die."`

// SchemaInstructions tells the model exactly what JSON to return. The
// dispatcher validates responses against this shape and repairs or
// re-asks when they deviate.
const SchemaInstructions = `## Output Format

Respond with a single JSON object and nothing else:

{
  "personas": [
    {
      "name": "short distinctive name",
      "description": "two or three sentences describing the style",
      "characteristics": {"formality": 0.0, "verbosity": 0.0, "emotionality": 0.0, "humor": 0.0}
    }
  ],
  "assignments": [
    {"sample_id": "id from the sample list", "persona_name": "name from personas"}
  ]
}

Rules:
- Every sample id MUST appear in exactly one assignment.
- Every persona_name in assignments MUST match a personas entry.
- Use between 1 and 4 personas. Do not invent sample ids.`

// StrictRetryInstructions is the tightened one-shot prompt used after a
// response stayed malformed through every repair strategy.
const StrictRetryInstructions = `Your previous response was not valid JSON.
Respond again with ONLY the JSON object described below. No prose, no
markdown fences, no trailing commas, no comments.

` + SchemaInstructions

package ai

// ExtractPrompt asks for schema-driven entity and relation extraction over a
// numbered batch of sentences. Arguments: schema listing, numbered lines.
const ExtractPrompt = `
# Task Context
You are an information extraction engine that builds a knowledge graph from short Chinese or English sentences.

# Extraction Schema
Each line below names an entity type followed by the relations that may start at an entity of that type.
%s

# Input Sentences
Every sentence is prefixed with its index in square brackets.
%s

# Detailed Task Description & Rules
- For every sentence, find the entities of the schema types that occur in it.
- Copy entity text exactly as it appears in the sentence. Never translate, normalise or invent text.
- For each entity, list the relations from its schema line that the sentence states explicitly, with the exact object text.
- Leave out relations the sentence does not state. Do not guess.
- A sentence without matches still gets an entry with an empty entity list.

# Output Formatting
Return a JSON object with this structure:
{
  "results": [
    {
      "index": <sentence index>,
      "entities": [
        {
          "type": "<entity type from the schema>",
          "text": "<entity text>",
          "relations": [
            { "name": "<relation from the schema>", "objects": ["<object text>"] }
          ]
        }
      ]
    }
  ]
}
`

// EntityPrompt asks for the named entities in a user question.
// Arguments: comma separated entity types, question.
const EntityPrompt = `
# Task Context
You are a named entity recogniser for a knowledge graph question answering service.

# Entity Types
%s

# Question
%s

# Detailed Task Description & Rules
- Return every entity of the listed types that appears in the question.
- Copy the entity text exactly as written in the question.
- Return an empty list when there is none.

# Output Formatting
Return a JSON object with this structure:
{
  "entities": [ { "type": "<entity type>", "text": "<entity text>" } ]
}
`

// ReferenceMarker separates retrieved reference material from the user
// question inside a prompt.
const ReferenceMarker = "\n===参考资料===："

// ReferenceQuestionLead precedes the user question in a reference prompt.
const ReferenceQuestionLead = "根据上面资料，用简洁且准确的话回答下面问题：\n"

// ReferencePrompt wraps a question with retrieved reference material.
// Arguments: reference text, question.
const ReferencePrompt = ReferenceMarker + "\n%s；\n\n" + ReferenceQuestionLead + "%s"

// PersonaPrompt is sent once when a chat session is bootstrapped.
const PersonaPrompt = "你叫 ChatKG，是一个图谱问答机器人，此为背景。下面开始聊天吧！"

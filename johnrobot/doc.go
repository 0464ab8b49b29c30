// Package johnrobot implements a Discord bot that forwards user questions
// to Google's Gemini API and replies with the generated answers.
//
// John-Robot is built around a single slash command, /ask_gemini, which
// accepts a question along with optional personality, model and context
// choices. Answers are delivered as Discord embeds, split into multiple
// messages when they exceed the embed size limit, with a reply button
// that lets users ask a follow-up question carrying the previous
// exchange as context.
//
// Key components of the package include:
//
//   - JohnRobot: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles Discord integration and message processing.
//   - Gemini: Manages interactions with the Gemini API.
//   - PersonalityRegistry: Loads system prompts from the shared state file.
//   - UsageTracker: Counts API calls per day, persisted in the state file.
//   - API: Provides a backend API for bot management and monitoring.
//
// The bot tracks every command and API call in its database, supports
// pausing/resuming via the backend API, and reloads its personality
// choices when the state file changes on disk.
package johnrobot

package games

// Players join a shared game session and try to guess the retail price of
// each item shown; the closer the guess, the higher the score

// How to play
// - Each player joins with a display name and gets a player ID back
// - Anyone can press start; the connected players at that moment form the roster
// - Each round: the item is shown briefly, then guesses open, then results
// - Guesses can be re-submitted while guessing is open; each one scores
// - The game ends once the deck of items runs out

// Display formats:
// - Item card with image and description; price revealed on results
// - Scoreboard ordered by join time, updated after every guess

// Implementation details:
// - Use websockets to broadcast countdown ticks and state to all players
// - One countdown task per game, started on the first round and reused
// - Late joiners watch the current game and enter the next one

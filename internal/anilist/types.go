package anilist

// GraphQL documents sent to the AniList API. Variables that are not set
// are omitted from the variables map, which GraphQL treats as absent
// arguments, so SaveMediaListEntry only touches the fields we send.

const viewerQuery = `
query {
  Viewer {
    id
    name
  }
}`

const userByNameQuery = `
query ($name: String) {
  User(name: $name) {
    id
    name
  }
}`

const listPageQuery = `
query ($userId: Int, $page: Int, $perPage: Int) {
  Page(page: $page, perPage: $perPage) {
    pageInfo {
      hasNextPage
    }
    mediaList(userId: $userId, type: ANIME) {
      id
      mediaId
      status
      progress
      score
      updatedAt
    }
  }
}`

const entryQuery = `
query ($userId: Int, $mediaId: Int) {
  MediaList(userId: $userId, mediaId: $mediaId, type: ANIME) {
    id
    mediaId
    status
    progress
    score
    updatedAt
  }
}`

const saveEntryMutation = `
mutation ($mediaId: Int, $status: MediaListStatus, $progress: Int, $score: Float) {
  SaveMediaListEntry(mediaId: $mediaId, status: $status, progress: $progress, score: $score) {
    id
    mediaId
    status
    progress
    score
    updatedAt
  }
}`

const deleteEntryMutation = `
mutation ($id: Int) {
  DeleteMediaListEntry(id: $id) {
    deleted
  }
}`

// graphqlRequest is the wire shape of every AniList call.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Viewer identifies the account the access token belongs to.
type Viewer struct {
	ID   int
	Name string
}
